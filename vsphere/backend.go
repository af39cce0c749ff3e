package vsphere

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/vmware/govmomi/object"

	"github.com/virtualbmc/ipmiserver/internal/backend"
)

// IPMI chassis network function command set (Table 1-1), matching the
// teacher's bmc.Server handler registrations.
const (
	netFnChassis            = 0x00
	cmdChassisControl       = 0x02
	cmdChassisStatus        = 0x01
	cmdSetSystemBootOptions = 0x08
	bootParamBootFlags      = 0x05
)

// Chassis Control request data values (Table 28-6).
const (
	controlPowerDown      = 0x00
	controlPowerUp        = 0x01
	controlPowerCycle     = 0x02
	controlPowerHardReset = 0x03
)

// Boot device selector values, matched against req.Data[1] (the byte after
// the parameter selector) masked with 0x3c.
const (
	bootDeviceNone   = 0x00
	bootDeviceDisk   = 0x08
	bootDeviceCdrom  = 0x14
	bootDevicePxe    = 0x04
	bootDeviceFloppy = 0x3c
)

const (
	completionOK             = 0x00
	completionInvalidCommand = 0xc1
	completionInvalidData    = 0xcc
	completionUnspecified    = 0xff
)

const systemPowerOn byte = 0x01

// BackendConfig configures a Backend's vCenter connection and the single
// VM it fronts. Unlike the teacher's main.go, which spun up one bmc.Server
// per VM in a folder, a single ipmibmcd process fronts exactly one VM: run
// one process per VM, as a real BMC would.
type BackendConfig struct {
	URL        string
	User       string
	Password   string
	Datacenter string
	VMName     string
	Folder     string
	Insecure   bool
	Log        *logrus.Entry
}

// Backend implements backend.BmcBackend by translating chassis-control,
// chassis-status, and set-system-boot-options commands into vSphere VM
// power and boot-order operations. Grounded on the teacher's bmc.Server
// handleChassisControl/handleGetChassisStatus/handleSetSystemBootOptions.
type Backend struct {
	client *Client
	vm     *object.VirtualMachine
	log    *logrus.Entry
}

// NewBackend connects to vCenter and resolves the configured VM once at
// startup; HandleRawRequest never re-resolves it.
func NewBackend(ctx context.Context, cfg BackendConfig) (*Backend, error) {
	client, err := NewClient(ctx, cfg.URL, cfg.User, cfg.Password, cfg.Datacenter, cfg.Insecure)
	if err != nil {
		return nil, fmt.Errorf("connect to vcenter: %w", err)
	}
	vm, err := client.FindVM(ctx, cfg.VMName, cfg.Folder)
	if err != nil {
		return nil, fmt.Errorf("resolve target vm %s: %w", cfg.VMName, err)
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Backend{client: client, vm: vm, log: log.WithField("vm", cfg.VMName)}, nil
}

// HandleRawRequest implements backend.BmcBackend.
func (b *Backend) HandleRawRequest(req backend.Request, session backend.SessionHandle) {
	switch {
	case req.NetFn == netFnChassis && req.Cmd == cmdChassisControl:
		b.handleChassisControl(req, session)
	case req.NetFn == netFnChassis && req.Cmd == cmdChassisStatus:
		b.handleChassisStatus(session)
	case req.NetFn == netFnChassis && req.Cmd == cmdSetSystemBootOptions:
		b.handleSetSystemBootOptions(req, session)
	default:
		session.SendResponse(nil, completionInvalidCommand)
	}
}

func (b *Backend) handleChassisControl(req backend.Request, session backend.SessionHandle) {
	if len(req.Data) < 1 {
		session.SendResponse(nil, completionInvalidData)
		return
	}
	ctx := context.Background()
	switch req.Data[0] & 0x0f {
	case controlPowerDown:
		b.log.Info("power down command received")
		if err := b.client.PowerOffVM(ctx, b.vm); err != nil {
			b.log.WithError(err).Error("failed to power off vm")
			session.SendResponse(nil, completionUnspecified)
			return
		}
	case controlPowerUp:
		b.log.Info("power up command received")
		if err := b.client.PowerOnVM(ctx, b.vm); err != nil {
			b.log.WithError(err).Error("failed to power on vm")
			session.SendResponse(nil, completionUnspecified)
			return
		}
	case controlPowerHardReset:
		b.log.Info("reset command received")
		if err := b.client.ResetVM(ctx, b.vm); err != nil {
			b.log.WithError(err).Error("failed to reset vm")
			session.SendResponse(nil, completionUnspecified)
			return
		}
	case controlPowerCycle:
		b.log.Info("power cycle command received")
		if err := b.client.PowerOffVM(ctx, b.vm); err != nil {
			b.log.WithError(err).Error("failed to power off vm during cycle")
			session.SendResponse(nil, completionUnspecified)
			return
		}
		if err := b.client.PowerOnVM(ctx, b.vm); err != nil {
			b.log.WithError(err).Error("failed to power on vm during cycle")
			session.SendResponse(nil, completionUnspecified)
			return
		}
	default:
		b.log.Warnf("unsupported chassis control request: %#x", req.Data[0])
		session.SendResponse(nil, completionInvalidCommand)
		return
	}
	session.SendResponse(nil, completionOK)
}

func (b *Backend) handleChassisStatus(session backend.SessionHandle) {
	powerState, err := b.client.GetVMPowerState(context.Background(), b.vm)
	if err != nil {
		b.log.WithError(err).Error("failed to get power state")
		session.SendResponse(nil, completionUnspecified)
		return
	}
	var powerByte byte
	if powerState == "poweredOn" {
		powerByte = systemPowerOn
	}
	// Chassis status response body: current power state, last power event,
	// misc chassis state (Table 28-4); we report only the power bit, the
	// remaining two bytes are always zero since this core never tracks
	// power-fault or front-panel state.
	session.SendResponse([]byte{powerByte, 0x00, 0x00}, completionOK)
}

func (b *Backend) handleSetSystemBootOptions(req backend.Request, session backend.SessionHandle) {
	if len(req.Data) < 2 {
		session.SendResponse(nil, completionInvalidData)
		return
	}
	param := req.Data[0] & 0x7f
	if param != bootParamBootFlags {
		session.SendResponse(nil, completionOK)
		return
	}

	var device BootDevice
	switch req.Data[1] & 0x3c {
	case bootDeviceNone:
		session.SendResponse(nil, completionOK)
		return
	case bootDeviceDisk:
		device = BootDeviceHDD
	case bootDeviceCdrom:
		device = BootDeviceCDROM
	case bootDevicePxe:
		device = BootDevicePXE
	case bootDeviceFloppy:
		device = BootDeviceFloppy
	default:
		b.log.Warnf("unsupported boot device selector: %#x", req.Data[1])
		session.SendResponse(nil, completionInvalidData)
		return
	}

	if err := b.client.SetNextBoot(context.Background(), b.vm, device); err != nil {
		b.log.WithError(err).Error("failed to set boot device")
		session.SendResponse(nil, completionUnspecified)
		return
	}
	session.SendResponse(nil, completionOK)
}
