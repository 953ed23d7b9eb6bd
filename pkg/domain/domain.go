// Package domain renders a libvirt domain (and network) XML definition
// from a base template plus per-VM overrides. When no template is
// available it synthesises a minimal virtio/VNC definition.
package domain

import (
	"crypto/rand"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NetworkMode selects how the rendered domain's NIC attaches.
type NetworkMode string

const (
	NetworkModeUser   NetworkMode = "user"   // isolated NAT, no source element
	NetworkModeBridge NetworkMode = "bridge" // existing host bridge
	NetworkModeDefault NetworkMode = "default" // libvirt's "default" network
)

// Overrides are the per-VM values always applied to a rendered domain.
type Overrides struct {
	Name        string
	MemoryKiB   int
	VCPUs       int
	DiskPath    string
	SeedISOPath string // cloud-init NoCloud seed ISO, attached as a second, read-only CDROM device when set
	MAC         string
	NetworkMode NetworkMode
	BridgeName  string // only used when NetworkMode == bridge
}

// Domain is the minimal libvirt domain XML shape this renderer
// produces and parses; it is not a complete libvirt schema, only the
// elements this system needs to set or read.
type Domain struct {
	XMLName xml.Name `xml:"domain"`
	Type    string   `xml:"type,attr"`
	Name    string   `xml:"name"`
	UUID    string   `xml:"uuid"`
	Memory  Memory   `xml:"memory"`
	VCPU    int      `xml:"vcpu"`
	OS      OS       `xml:"os"`
	Devices Devices  `xml:"devices"`
}

type Memory struct {
	Unit  string `xml:"unit,attr"`
	Value int    `xml:",chardata"`
}

type OS struct {
	Type OSType `xml:"type"`
}

type OSType struct {
	Arch    string `xml:"arch,attr"`
	Machine string `xml:"machine,attr"`
	Value   string `xml:",chardata"`
}

type Devices struct {
	Disks      []Disk      `xml:"disk"`
	Interfaces []Interface `xml:"interface"`
	Serials    []Serial    `xml:"serial"`
	Graphics   []Graphics  `xml:"graphics"`
}

type Disk struct {
	Type     string      `xml:"type,attr"`
	Device   string      `xml:"device,attr"`
	Driver   DiskDriver  `xml:"driver"`
	Source   DiskSource  `xml:"source"`
	Target   DiskTarget  `xml:"target"`
	ReadOnly *struct{}   `xml:"readonly,omitempty"`
}

type DiskDriver struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

type DiskSource struct {
	File string `xml:"file,attr"`
}

type DiskTarget struct {
	Dev string `xml:"dev,attr"`
	Bus string `xml:"bus,attr"`
}

type Interface struct {
	Type   string          `xml:"type,attr"`
	MAC    InterfaceMAC    `xml:"mac"`
	Source *InterfaceSource `xml:"source,omitempty"`
	Model  InterfaceModel  `xml:"model"`
}

type InterfaceMAC struct {
	Address string `xml:"address,attr"`
}

type InterfaceSource struct {
	Network string `xml:"network,attr,omitempty"`
	Bridge  string `xml:"bridge,attr,omitempty"`
}

type InterfaceModel struct {
	Type string `xml:"type,attr"`
}

type Serial struct {
	Type string `xml:"type,attr"`
}

type Graphics struct {
	Type string `xml:"type,attr"`
}

// Render applies overrides to templateXML (if non-empty) or synthesises
// a minimal domain, and returns the marshalled XML string.
func Render(templateXML string, ov Overrides) (string, error) {
	var d Domain
	if strings.TrimSpace(templateXML) != "" {
		if err := xml.Unmarshal([]byte(templateXML), &d); err != nil {
			return "", fmt.Errorf("parse template domain xml: %w", err)
		}
	} else {
		d = minimalDomain()
	}

	d.Name = ov.Name
	d.UUID = uuid.NewString()
	d.Memory = Memory{Unit: "KiB", Value: ov.MemoryKiB}
	d.VCPU = ov.VCPUs

	d.Devices.Disks = []Disk{{
		Type:   "file",
		Device: "disk",
		Driver: DiskDriver{Name: "qemu", Type: "qcow2"},
		Source: DiskSource{File: ov.DiskPath},
		Target: DiskTarget{Dev: "vda", Bus: "virtio"},
	}}
	if ov.SeedISOPath != "" {
		d.Devices.Disks = append(d.Devices.Disks, Disk{
			Type:     "file",
			Device:   "cdrom",
			Driver:   DiskDriver{Name: "qemu", Type: "raw"},
			Source:   DiskSource{File: ov.SeedISOPath},
			Target:   DiskTarget{Dev: "hdc", Bus: "ide"},
			ReadOnly: &struct{}{},
		})
	}

	d.Devices.Interfaces = []Interface{renderInterface(ov)}

	out, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal domain xml: %w", err)
	}
	return xml.Header + string(out), nil
}

func renderInterface(ov Overrides) Interface {
	iface := Interface{
		MAC:   InterfaceMAC{Address: ov.MAC},
		Model: InterfaceModel{Type: "virtio"},
	}
	switch ov.NetworkMode {
	case NetworkModeDefault:
		iface.Type = "network"
		iface.Source = &InterfaceSource{Network: "default"}
	case NetworkModeBridge:
		iface.Type = "bridge"
		iface.Source = &InterfaceSource{Bridge: ov.BridgeName}
	default:
		iface.Type = "user"
	}
	return iface
}

func minimalDomain() Domain {
	return Domain{
		Type: "kvm",
		OS:   OS{Type: OSType{Arch: "x86_64", Machine: "pc", Value: "hvm"}},
		Devices: Devices{
			Serials:  []Serial{{Type: "pty"}},
			Graphics: []Graphics{{Type: "vnc"}},
		},
	}
}

// kvmOUI is the QEMU/KVM locally-administered MAC prefix.
const kvmOUI = "52:54:00"

// NewMAC generates a fresh MAC address in the QEMU/KVM OUI range.
func NewMAC() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate mac: %w", err)
	}
	return fmt.Sprintf("%s:%02x:%02x:%02x", kvmOUI, buf[0], buf[1], buf[2]), nil
}
