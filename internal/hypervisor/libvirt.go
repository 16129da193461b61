// Package hypervisor talks to libvirt hosts over SSH. The control plane has
// no local hypervisor; every operation is a virsh (or rsync) invocation on a
// cluster node.
package hypervisor

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// TransferProgress is a snapshot of an in-flight libvirt migration job.
type TransferProgress struct {
	ProcessedBytes int64
	TotalBytes     int64
	// DirtyRateMBps is how fast the guest rewrites memory, in MB/s.
	DirtyRateMBps float64
}

// Libvirt drives libvirt hosts through virsh over SSH.
type Libvirt struct {
	sshUser string
	logger  *zap.Logger

	// run is swappable for tests. stdin is fed to the command when
	// non-empty.
	run func(ctx context.Context, stdin, name string, args ...string) ([]byte, error)
}

// NewLibvirt creates a Libvirt backend. sshUser is the account used on the
// cluster nodes, normally root.
func NewLibvirt(sshUser string, logger *zap.Logger) *Libvirt {
	return &Libvirt{
		sshUser: sshUser,
		logger:  logger.With(zap.String("component", "hypervisor")),
		run: func(ctx context.Context, stdin, name string, args ...string) ([]byte, error) {
			cmd := exec.CommandContext(ctx, name, args...)
			if stdin != "" {
				cmd.Stdin = strings.NewReader(stdin)
			}
			return cmd.CombinedOutput()
		},
	}
}

func (l *Libvirt) ssh(ctx context.Context, node string, remote ...string) ([]byte, error) {
	return l.sshIn(ctx, node, "", remote...)
}

// sshIn runs a remote command with stdin attached to the ssh process.
func (l *Libvirt) sshIn(ctx context.Context, node, stdin string, remote ...string) ([]byte, error) {
	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "ConnectTimeout=10",
		fmt.Sprintf("%s@%s", l.sshUser, node),
	}
	args = append(args, remote...)
	out, err := l.run(ctx, stdin, "ssh", args...)
	if err != nil {
		return out, fmt.Errorf("ssh %s: %s: %w", node, strings.TrimSpace(string(out)), err)
	}
	return out, nil
}

func (l *Libvirt) virsh(ctx context.Context, node string, args ...string) ([]byte, error) {
	return l.ssh(ctx, node, append([]string{"virsh"}, args...)...)
}

// Ping verifies the node answers and its libvirt daemon is up.
func (l *Libvirt) Ping(ctx context.Context, node string) error {
	_, err := l.virsh(ctx, node, "version")
	return err
}

// IsRunning reports whether the named domain is running on the node.
func (l *Libvirt) IsRunning(ctx context.Context, node, vmName string) (bool, error) {
	out, err := l.virsh(ctx, node, "domstate", vmName)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) == "running", nil
}

// DumpConfig returns the domain XML of a VM.
func (l *Libvirt) DumpConfig(ctx context.Context, node, vmName string) (string, error) {
	out, err := l.virsh(ctx, node, "dumpxml", vmName)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DefineVM registers a domain on a node from its XML description. The XML is
// piped over the ssh channel so it never touches a shell quoting layer.
func (l *Libvirt) DefineVM(ctx context.Context, node, domainXML string) error {
	_, err := l.sshIn(ctx, node, domainXML, "virsh", "define", "/dev/stdin")
	return err
}

// UndefineVM removes a domain definition, including NVRAM state.
func (l *Libvirt) UndefineVM(ctx context.Context, node, vmName string) error {
	_, err := l.virsh(ctx, node, "undefine", vmName, "--nvram")
	return err
}

// StartVM boots a defined domain.
func (l *Libvirt) StartVM(ctx context.Context, node, vmName string) error {
	_, err := l.virsh(ctx, node, "start", vmName)
	return err
}

// ShutdownVM asks the guest to shut down cleanly.
func (l *Libvirt) ShutdownVM(ctx context.Context, node, vmName string) error {
	_, err := l.virsh(ctx, node, "shutdown", vmName)
	return err
}

// DestroyVM force-stops a domain.
func (l *Libvirt) DestroyVM(ctx context.Context, node, vmName string) error {
	_, err := l.virsh(ctx, node, "destroy", vmName)
	return err
}

// SuspendVM pauses a running domain.
func (l *Libvirt) SuspendVM(ctx context.Context, node, vmName string) error {
	_, err := l.virsh(ctx, node, "suspend", vmName)
	return err
}

// ResumeVM unpauses a suspended domain.
func (l *Libvirt) ResumeVM(ctx context.Context, node, vmName string) error {
	_, err := l.virsh(ctx, node, "resume", vmName)
	return err
}

// MigrateLive performs a libvirt live migration from source to target.
// bandwidthMBps of zero means no limit.
func (l *Libvirt) MigrateLive(ctx context.Context, source, target, vmName string, bandwidthMBps uint64) error {
	args := []string{
		"migrate", "--live", "--persistent", "--undefinesource",
		vmName,
		fmt.Sprintf("qemu+ssh://%s@%s/system", l.sshUser, target),
	}
	if bandwidthMBps > 0 {
		args = append(args, "--bandwidth", strconv.FormatUint(bandwidthMBps, 10))
	}
	l.logger.Info("starting live migration",
		zap.String("vm", vmName),
		zap.String("source", source),
		zap.String("target", target),
		zap.Uint64("bandwidth_mbps", bandwidthMBps))
	_, err := l.virsh(ctx, source, args...)
	return err
}

// ListDisks enumerates the file-backed disk images of a domain.
func (l *Libvirt) ListDisks(ctx context.Context, node, vmName string) ([]string, error) {
	out, err := l.virsh(ctx, node, "domblklist", vmName)
	if err != nil {
		return nil, err
	}
	return parseDomBlkList(string(out)), nil
}

// TransferDisks copies VM disk images to the target node with rsync.
func (l *Libvirt) TransferDisks(ctx context.Context, source, target, vmName string, diskPaths []string) error {
	for _, path := range diskPaths {
		l.logger.Info("transferring disk",
			zap.String("vm", vmName),
			zap.String("path", path),
			zap.String("target", target))
		_, err := l.ssh(ctx, source, "rsync", "-avz", path,
			fmt.Sprintf("%s@%s:%s", l.sshUser, target, path))
		if err != nil {
			return fmt.Errorf("transfer disk %s: %w", path, err)
		}
	}
	return nil
}

// CleanupDisks removes copied disk images from a node.
func (l *Libvirt) CleanupDisks(ctx context.Context, node, vmName string, diskPaths []string) error {
	for _, path := range diskPaths {
		if _, err := l.ssh(ctx, node, "rm", "-f", path); err != nil {
			return fmt.Errorf("cleanup disk %s: %w", path, err)
		}
	}
	return nil
}

// TransferJobProgress samples the libvirt migration job of a domain.
func (l *Libvirt) TransferJobProgress(ctx context.Context, node, vmName string) (TransferProgress, error) {
	out, err := l.virsh(ctx, node, "domjobinfo", vmName)
	if err != nil {
		return TransferProgress{}, err
	}
	return parseDomJobInfo(string(out)), nil
}

// parseDomJobInfo extracts transfer counters from virsh domjobinfo output.
// Lines look like "Data processed:  1.234 GiB".
func parseDomJobInfo(out string) TransferProgress {
	var p TransferProgress
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		switch key {
		case "Data processed":
			p.ProcessedBytes = parseSizeBytes(value)
		case "Data total":
			p.TotalBytes = parseSizeBytes(value)
		case "Memory dirty rate":
			// Reported in pages/s; one page is 4 KiB.
			fields := strings.Fields(value)
			if len(fields) > 0 {
				if pages, err := strconv.ParseFloat(fields[0], 64); err == nil {
					p.DirtyRateMBps = pages * 4096 / (1024 * 1024)
				}
			}
		}
	}
	return p
}

// parseDomBlkList extracts disk image paths from virsh domblklist output:
// a two-line header followed by "target  source" rows. Devices without a
// backing file (empty cdrom trays report "-") are skipped.
func parseDomBlkList(out string) []string {
	var paths []string
	for i, line := range strings.Split(out, "\n") {
		if i < 2 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		source := fields[1]
		if source == "-" || !strings.HasPrefix(source, "/") {
			continue
		}
		paths = append(paths, source)
	}
	return paths
}

func parseSizeBytes(value string) int64 {
	fields := strings.Fields(value)
	if len(fields) < 2 {
		return 0
	}
	amount, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	var mult float64
	switch fields[1] {
	case "B", "bytes":
		mult = 1
	case "KiB":
		mult = 1024
	case "MiB":
		mult = 1024 * 1024
	case "GiB":
		mult = 1024 * 1024 * 1024
	case "TiB":
		mult = 1024 * 1024 * 1024 * 1024
	default:
		return 0
	}
	return int64(amount * mult)
}
