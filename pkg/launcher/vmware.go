package launcher

// VMware target preparation
//
// VMware targets boot a disk image inside a virtual machine. The VM
// configuration is generated from a template for every session so the image
// path is always current and VMware does not ask whether the VM was moved or
// copied.

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Manu343726/stubdbg/pkg/utils"
)

// ErrUnsupportedFlavor is returned for unknown VMware products
var ErrUnsupportedFlavor = errors.New("VMware flavor not implemented")

// VMware products
const (
	FlavorPlayer      = "player"
	FlavorWorkstation = "workstation"
)

var gdbStubKeys = []string{
	`debugStub.listen.guest32 = "TRUE"`,
	`debugStub.hideBreakpoints = "TRUE"`,
	`monitor.debugOnStartGuest32 = "TRUE"`,
	`debugStub.listen.guest32.remote = "TRUE"`,
}

// WriteDebugVMX generates the session VM configuration at dest from template
func WriteDebugVMX(template, dest, image string, gdb bool) error {
	src, err := os.Open(template)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("VMware configuration %s is still in use, close the running VM and try again: %w", dest, err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), "=")
		if len(parts) != 2 {
			continue
		}

		name := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch name {
		case "uuid.location", "uuid.bios":
			continue
		case "ide1:0.fileName":
			value = `"` + image + `"`
		}

		fmt.Fprintf(w, "%s = %s\n", name, value)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if gdb {
		fmt.Fprintln(w)
		for _, line := range gdbStubKeys {
			fmt.Fprintln(w, line)
		}
	}

	if err := w.Flush(); err != nil {
		return err
	}
	return out.Close()
}

// VMwareSpec returns the launch spec that boots vmx with the given product.
// -x powers the VM on and -q closes VMware when the VM powers off.
func VMwareSpec(flavor, executable, vmx string) (Spec, error) {
	if executable == "" {
		return Spec{}, utils.MakeError(ErrToolMissing, "VMware %s is not installed", flavor)
	}

	switch strings.ToLower(flavor) {
	case FlavorWorkstation:
		return Spec{Path: executable, Args: []string{"-x", "-q", vmx}}, nil
	case FlavorPlayer:
		return Spec{Path: executable, Args: []string{vmx}}, nil
	default:
		return Spec{}, utils.MakeError(ErrUnsupportedFlavor, "%q", flavor)
	}
}
