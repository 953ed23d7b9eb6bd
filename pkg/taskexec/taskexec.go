// Package taskexec drives per-guest post-boot tasks over the SSH pool
// and command runner. Tasks within a guest run sequentially in
// declared order; across guests, execution fans out up to a
// configured bound. Task kinds are dispatched through a switch on
// Task.Kind rather than a dynamic dispatch table; the description
// parser rejects unknown kinds, and runOne reports any that still
// reach it as a failed task.
package taskexec

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyberrange/cyris/pkg/log"
	"github.com/cyberrange/cyris/pkg/metrics"
	"github.com/cyberrange/cyris/pkg/runner"
	"github.com/cyberrange/cyris/pkg/sshpool"
	"github.com/cyberrange/cyris/pkg/types"
)

// GuestTarget is the connection context for one guest instance's tasks.
type GuestTarget struct {
	InstanceID string
	OSType     string // guest_settings basevm_os_type, e.g. "ubuntu.20.04" or "windows.7"
	Creds      sshpool.Credentials
}

// isWindows reports whether t's declared OS type selects the PowerShell
// task path instead of the POSIX shell path.
func (t GuestTarget) isWindows() bool {
	return strings.HasPrefix(strings.ToLower(t.OSType), "windows")
}

// Executor drives tasks against guests through pool.
type Executor struct {
	Pool    *sshpool.Pool
	FanOut  int // max guests executed concurrently
}

// New creates an Executor with the given fan-out bound (default 4).
func New(pool *sshpool.Pool, fanOut int) *Executor {
	if fanOut <= 0 {
		fanOut = 4
	}
	return &Executor{Pool: pool, FanOut: fanOut}
}

// RunAll executes each guest's task list, fanning out across guests up
// to e.FanOut at a time. Task failures are recorded, never fatal to
// the overall range (none of the task kinds are currently marked
// critical).
func (e *Executor) RunAll(ctx context.Context, targets map[string]GuestTarget, tasksByGuest map[string][]types.Task) []types.TaskResult {
	sem := make(chan struct{}, e.FanOut)
	var mu sync.Mutex
	var results []types.TaskResult
	var wg sync.WaitGroup

	for guestID, target := range targets {
		guestID, target := guestID, target
		tasks := tasksByGuest[guestID]
		if len(tasks) == 0 {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			guestResults := e.runGuestTasks(ctx, target, tasks)
			mu.Lock()
			results = append(results, guestResults...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func (e *Executor) runGuestTasks(ctx context.Context, target GuestTarget, tasks []types.Task) []types.TaskResult {
	logger := log.WithComponent("taskexec")
	results := make([]types.TaskResult, 0, len(tasks))

	sess, err := e.Pool.Get(ctx, target.Creds)
	if err != nil {
		for _, t := range tasks {
			results = append(results, types.TaskResult{
				TaskID: uuid.NewString(), GuestID: target.InstanceID, Kind: t.Kind,
				Success: false, Error: fmt.Sprintf("ssh dial failed: %v", err),
			})
		}
		return results
	}

	for _, task := range tasks {
		start := time.Now()
		res := e.runOne(ctx, sess, target, task)
		res.Elapsed = time.Since(start)

		outcome := "success"
		if !res.Success {
			outcome = "failure"
			logger.Warn().Str("guest", target.InstanceID).Str("kind", string(task.Kind)).Str("error", res.Error).Msg("task failed")
		}
		metrics.TaskExecutionsTotal.WithLabelValues(string(task.Kind), outcome).Inc()
		metrics.TaskExecutionDuration.WithLabelValues(string(task.Kind)).Observe(res.Elapsed.Seconds())

		results = append(results, res)
	}
	return results
}

// runOne dispatches exactly one task. Each case validates its inputs
// before composing the argv the command runner executes.
func (e *Executor) runOne(ctx context.Context, sess *sshpool.Session, target GuestTarget, task types.Task) types.TaskResult {
	id := uuid.NewString()
	fail := func(err error) types.TaskResult {
		return types.TaskResult{TaskID: id, GuestID: target.InstanceID, Kind: task.Kind, Success: false, Error: err.Error()}
	}

	switch task.Kind {
	case types.TaskAddAccount:
		return e.addAccount(ctx, sess, target, id, task.AddAccount, false)
	case types.TaskModifyAccount:
		return e.addAccount(ctx, sess, target, id, task.ModifyAccount, true)
	case types.TaskInstallPackage:
		return e.installPackage(ctx, sess, target, id, task.InstallPackage)
	case types.TaskCopyContent:
		return e.copyContent(ctx, sess, target, id, task.CopyContent)
	case types.TaskExecuteProgram:
		return e.executeProgram(ctx, sess, target, id, task.ExecuteProgram)
	case types.TaskEmulateAttack:
		return e.emulateAttack(ctx, sess, target, id, task.EmulateAttack)
	case types.TaskEmulateMalware:
		return e.emulateMalware(ctx, sess, target, id, task.EmulateMalware)
	case types.TaskEmulateTrafficCapture:
		return e.emulateTraffic(ctx, sess, target, id, task.EmulateTraffic)
	case types.TaskFirewallRules:
		return e.firewallRules(ctx, sess, target, id, task.FirewallRules)
	default:
		return fail(fmt.Errorf("unknown task kind %q", task.Kind))
	}
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,32}$`)

func (e *Executor) addAccount(ctx context.Context, sess *sshpool.Session, target GuestTarget, id string, p *types.AddAccountParams, modify bool) types.TaskResult {
	kind := types.TaskAddAccount
	if modify {
		kind = types.TaskModifyAccount
	}
	if p == nil || !usernamePattern.MatchString(p.Account) {
		return types.TaskResult{TaskID: id, GuestID: target.InstanceID, Kind: kind, Success: false, Error: "invalid or missing account name"}
	}

	if target.isWindows() {
		return e.addAccountWindows(ctx, sess, target, id, kind, p, modify)
	}

	verb := "useradd -m"
	if modify {
		verb = "usermod"
	}
	// The password is written into the uploaded script body, so it
	// travels inside the upload command; it is not passed to the script
	// as a separate argument.
	script := fmt.Sprintf("#!/bin/sh\nset -e\n%s %q\necho %q | chpasswd\n", verb, p.Account, p.Account+":"+p.Passwd)
	return e.runScript(ctx, sess, target, id, kind, script)
}

// addAccountWindows mirrors addAccount's POSIX path for Windows guests:
// New-LocalUser/Set-LocalUser in place of useradd/usermod, run through
// powershell.exe instead of /bin/sh.
func (e *Executor) addAccountWindows(ctx context.Context, sess *sshpool.Session, target GuestTarget, id string, kind types.TaskKind, p *types.AddAccountParams, modify bool) types.TaskResult {
	var verb string
	if modify {
		verb = fmt.Sprintf("Set-LocalUser -Name %q -Password $securePassword", p.Account)
	} else {
		verb = fmt.Sprintf("New-LocalUser -Name %q -Password $securePassword -Description 'Created by cyris'", p.Account)
	}
	script := fmt.Sprintf("$securePassword = ConvertTo-SecureString %q -AsPlainText -Force\n%s\n", p.Passwd, verb)
	return e.runPowerShellScript(ctx, sess, target, id, kind, script)
}

var pkgManagerAllowList = map[string]bool{
	"apt": true, "apt-get": true, "yum": true, "dnf": true, "zypper": true, "chocolatey": true, "brew": true,
}

func (e *Executor) installPackage(ctx context.Context, sess *sshpool.Session, target GuestTarget, id string, p *types.InstallPackageParams) types.TaskResult {
	if p == nil || !pkgManagerAllowList[p.Manager] {
		return types.TaskResult{TaskID: id, GuestID: target.InstanceID, Kind: types.TaskInstallPackage, Success: false, Error: "invalid or disallowed package manager"}
	}
	pkg := p.Name
	if p.Version != "" {
		pkg = fmt.Sprintf("%s=%s", p.Name, p.Version)
	}
	cmd := fmt.Sprintf("%s install -y %s", p.Manager, shellQuote(pkg))
	return e.runCommand(ctx, sess, target, id, types.TaskInstallPackage, cmd)
}

var pathTraversalPattern = regexp.MustCompile("\\.\\.|`|\\$\\(|\\||;|&")

func (e *Executor) copyContent(ctx context.Context, sess *sshpool.Session, target GuestTarget, id string, p *types.CopyContentParams) types.TaskResult {
	if p == nil || pathTraversalPattern.MatchString(p.Src) || pathTraversalPattern.MatchString(p.Dst) {
		return types.TaskResult{TaskID: id, GuestID: target.InstanceID, Kind: types.TaskCopyContent, Success: false, Error: "rejected path"}
	}
	cmd := fmt.Sprintf("cp %s %s", shellQuote(p.Src), shellQuote(p.Dst))
	return e.runCommand(ctx, sess, target, id, types.TaskCopyContent, cmd)
}

var interpreterAllowList = map[string]bool{
	"python": true, "python3": true, "bash": true, "sh": true, "powershell": true, "cmd": true, "java": true, "node": true,
}

func (e *Executor) executeProgram(ctx context.Context, sess *sshpool.Session, target GuestTarget, id string, p *types.ExecuteProgramParams) types.TaskResult {
	if p == nil || !interpreterAllowList[p.Interpreter] {
		return types.TaskResult{TaskID: id, GuestID: target.InstanceID, Kind: types.TaskExecuteProgram, Success: false, Error: "disallowed interpreter"}
	}
	cmd := shellQuote(p.Interpreter) + " " + shellQuote(p.Program)
	for _, arg := range p.Args {
		cmd += " " + shellQuote(arg)
	}
	return e.runCommand(ctx, sess, target, id, types.TaskExecuteProgram, cmd)
}

// emulateAttack/emulateMalware/emulateTraffic are wrappers around
// externally provided scripts whose internals this executor has no
// visibility into: it validates inputs, composes argv, and records the
// outcome only.
func (e *Executor) emulateAttack(ctx context.Context, sess *sshpool.Session, target GuestTarget, id string, p *types.EmulateAttackParams) types.TaskResult {
	if p == nil || p.TargetIP == "" {
		return types.TaskResult{TaskID: id, GuestID: target.InstanceID, Kind: types.TaskEmulateAttack, Success: false, Error: "missing target_ip"}
	}
	cmd := fmt.Sprintf("cyris-emulate-attack %s %s", shellQuote(p.AttackType), shellQuote(p.TargetIP))
	return e.runCommand(ctx, sess, target, id, types.TaskEmulateAttack, cmd)
}

func (e *Executor) emulateMalware(ctx context.Context, sess *sshpool.Session, target GuestTarget, id string, p *types.EmulateMalwareParams) types.TaskResult {
	if p == nil || p.MalwareName == "" {
		return types.TaskResult{TaskID: id, GuestID: target.InstanceID, Kind: types.TaskEmulateMalware, Success: false, Error: "missing malware_name"}
	}
	cmd := fmt.Sprintf("cyris-emulate-malware %s", shellQuote(p.MalwareName))
	return e.runCommand(ctx, sess, target, id, types.TaskEmulateMalware, cmd)
}

func (e *Executor) emulateTraffic(ctx context.Context, sess *sshpool.Session, target GuestTarget, id string, p *types.EmulateTrafficParams) types.TaskResult {
	if p == nil || p.Interface == "" {
		return types.TaskResult{TaskID: id, GuestID: target.InstanceID, Kind: types.TaskEmulateTrafficCapture, Success: false, Error: "missing interface"}
	}
	cmd := fmt.Sprintf("cyris-capture-traffic %s %d", shellQuote(p.Interface), p.Duration)
	return e.runCommand(ctx, sess, target, id, types.TaskEmulateTrafficCapture, cmd)
}

func (e *Executor) firewallRules(ctx context.Context, sess *sshpool.Session, target GuestTarget, id string, p *types.FirewallRulesParams) types.TaskResult {
	if p == nil || len(p.Rules) == 0 {
		return types.TaskResult{TaskID: id, GuestID: target.InstanceID, Kind: types.TaskFirewallRules, Success: true, Message: "no rules"}
	}
	var lastResult types.TaskResult
	for _, rule := range p.Rules {
		lastResult = e.runCommand(ctx, sess, target, id, types.TaskFirewallRules, rule)
		if !lastResult.Success {
			return lastResult
		}
	}
	return lastResult
}

func (e *Executor) runCommand(ctx context.Context, sess *sshpool.Session, target GuestTarget, id string, kind types.TaskKind, cmd string) types.TaskResult {
	res, err := runner.Run(ctx, sess, cmd, runner.Options{AsUser: target.Creds.User})
	if err != nil {
		return types.TaskResult{TaskID: id, GuestID: target.InstanceID, Kind: kind, Success: false, Error: err.Error()}
	}
	return types.TaskResult{
		TaskID: id, GuestID: target.InstanceID, Kind: kind,
		Success: res.Success, Output: res.Stdout, Error: res.Stderr,
	}
}

func (e *Executor) runScript(ctx context.Context, sess *sshpool.Session, target GuestTarget, id string, kind types.TaskKind, script string) types.TaskResult {
	remotePath := fmt.Sprintf("/tmp/cyris-task-%s.sh", id)
	upload := fmt.Sprintf("cat > %s << 'CYRIS_EOF'\n%sCYRIS_EOF\nchmod +x %s", remotePath, script, remotePath)
	if _, _, err := sess.Run(ctx, upload); err != nil {
		return types.TaskResult{TaskID: id, GuestID: target.InstanceID, Kind: kind, Success: false, Error: fmt.Sprintf("upload script: %v", err)}
	}
	res := e.runCommand(ctx, sess, target, id, kind, remotePath)
	sess.Run(ctx, "rm -f "+remotePath)
	return res
}

// runPowerShellScript is runScript's Windows counterpart: it uploads a
// .ps1 file over the same session and invokes it through powershell.exe
// rather than /bin/sh, since Windows guests have no POSIX shell to cat
// a heredoc into.
func (e *Executor) runPowerShellScript(ctx context.Context, sess *sshpool.Session, target GuestTarget, id string, kind types.TaskKind, script string) types.TaskResult {
	remotePath := fmt.Sprintf("C:\\Windows\\Temp\\cyris-task-%s.ps1", id)
	uploadCmd := fmt.Sprintf("powershell.exe -NoProfile -Command \"Set-Content -Path '%s' -Value @'\n%s\n'@\"", remotePath, script)
	if _, _, err := sess.Run(ctx, uploadCmd); err != nil {
		return types.TaskResult{TaskID: id, GuestID: target.InstanceID, Kind: kind, Success: false, Error: fmt.Sprintf("upload script: %v", err)}
	}
	runCmd := fmt.Sprintf("powershell.exe -NoProfile -ExecutionPolicy Bypass -File %q", remotePath)
	res := e.runCommand(ctx, sess, target, id, kind, runCmd)
	sess.Run(ctx, fmt.Sprintf("powershell.exe -NoProfile -Command \"Remove-Item -Force '%s'\"", remotePath))
	return res
}

func shellQuote(s string) string {
	return "'" + regexp.MustCompile(`'`).ReplaceAllString(s, `'\''`) + "'"
}
