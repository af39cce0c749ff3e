// Package vsphere adapts govmomi into an example BmcBackend: chassis
// control/status/boot-option IPMI commands become vCenter VM power
// operations. Grounded on the teacher's vsphere.Client and bmc.Server.
package vsphere

import (
	"context"
	"fmt"
	"net/url"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
)

// Client wraps a govmomi connection scoped to one datacenter.
type Client struct {
	client     *govmomi.Client
	finder     *find.Finder
	datacenter *object.Datacenter
}

// NewClient connects to vcenterHost (hostname or IP) and scopes lookups to
// datacenter.
func NewClient(ctx context.Context, vcenterHost, username, password, datacenter string, insecure bool) (*Client, error) {
	u, err := url.Parse(fmt.Sprintf("https://%s/sdk", vcenterHost))
	if err != nil {
		return nil, fmt.Errorf("parse vcenter url: %w", err)
	}
	u.User = url.UserPassword(username, password)

	client, err := govmomi.NewClient(ctx, u, insecure)
	if err != nil {
		return nil, fmt.Errorf("create vsphere client: %w", err)
	}

	finder := find.NewFinder(client.Client, true)
	dc, err := finder.Datacenter(ctx, datacenter)
	if err != nil {
		return nil, fmt.Errorf("find datacenter %s: %w", datacenter, err)
	}
	finder.SetDatacenter(dc)

	return &Client{client: client, finder: finder, datacenter: dc}, nil
}

// GetVMs returns all VMs in folderPath, or in the whole datacenter if
// folderPath is empty.
func (c *Client) GetVMs(ctx context.Context, folderPath string) ([]*object.VirtualMachine, error) {
	if folderPath != "" {
		folder, err := c.finder.Folder(ctx, folderPath)
		if err != nil {
			return nil, fmt.Errorf("find folder %s: %w", folderPath, err)
		}
		vms, err := c.finder.VirtualMachineList(ctx, folder.InventoryPath+"/*")
		if err != nil {
			return nil, fmt.Errorf("list vms in %s: %w", folderPath, err)
		}
		return vms, nil
	}
	vms, err := c.finder.VirtualMachineList(ctx, "*")
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	return vms, nil
}

// FindVM resolves a single VM by name (optionally scoped under folderPath).
func (c *Client) FindVM(ctx context.Context, name, folderPath string) (*object.VirtualMachine, error) {
	path := name
	if folderPath != "" {
		path = folderPath + "/" + name
	}
	vm, err := c.finder.VirtualMachine(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("find vm %s: %w", path, err)
	}
	return vm, nil
}

// GetVMPowerState returns the VM's current runtime power state string
// ("poweredOn", "poweredOff", "suspended").
func (c *Client) GetVMPowerState(ctx context.Context, vm *object.VirtualMachine) (string, error) {
	var o mo.VirtualMachine
	if err := vm.Properties(ctx, vm.Reference(), []string{"runtime.powerState"}, &o); err != nil {
		return "", fmt.Errorf("get vm properties: %w", err)
	}
	return string(o.Runtime.PowerState), nil
}

// PowerOnVM powers on a VM and waits for the task to complete.
func (c *Client) PowerOnVM(ctx context.Context, vm *object.VirtualMachine) error {
	task, err := vm.PowerOn(ctx)
	if err != nil {
		return fmt.Errorf("power on vm: %w", err)
	}
	return task.Wait(ctx)
}

// PowerOffVM powers off a VM and waits for the task to complete.
func (c *Client) PowerOffVM(ctx context.Context, vm *object.VirtualMachine) error {
	task, err := vm.PowerOff(ctx)
	if err != nil {
		return fmt.Errorf("power off vm: %w", err)
	}
	return task.Wait(ctx)
}

// ResetVM performs a hard reset and waits for the task to complete,
// mirroring IPMI's "hard reset" chassis control (no graceful OS reboot).
func (c *Client) ResetVM(ctx context.Context, vm *object.VirtualMachine) error {
	task, err := vm.Reset(ctx)
	if err != nil {
		return fmt.Errorf("reset vm: %w", err)
	}
	return task.Wait(ctx)
}

// BootDevice is a vSphere-side boot device, independent of IPMI's own
// boot device byte encoding.
type BootDevice string

const (
	BootDeviceHDD    BootDevice = "hdd"
	BootDeviceCDROM  BootDevice = "cdrom"
	BootDevicePXE    BootDevice = "pxe"
	BootDeviceFloppy BootDevice = "floppy"
)

// SetNextBoot reconfigures the VM's boot order to prioritize device for
// its next power-on.
func (c *Client) SetNextBoot(ctx context.Context, vm *object.VirtualMachine, device BootDevice) error {
	var vmConfig mo.VirtualMachine
	if err := vm.Properties(ctx, vm.Reference(), []string{"config"}, &vmConfig); err != nil {
		return fmt.Errorf("get vm config: %w", err)
	}

	bootOptions := vmConfig.Config.BootOptions
	if bootOptions == nil {
		bootOptions = &types.VirtualMachineBootOptions{}
	}

	switch device {
	case BootDeviceHDD:
		bootOptions.BootOrder = []types.BaseVirtualMachineBootOptionsBootableDevice{
			&types.VirtualMachineBootOptionsBootableDiskDevice{},
		}
	case BootDeviceCDROM:
		bootOptions.BootOrder = []types.BaseVirtualMachineBootOptionsBootableDevice{
			&types.VirtualMachineBootOptionsBootableCdromDevice{},
		}
	case BootDevicePXE:
		bootOptions.BootOrder = []types.BaseVirtualMachineBootOptionsBootableDevice{
			&types.VirtualMachineBootOptionsBootableEthernetDevice{},
		}
	case BootDeviceFloppy:
		bootOptions.BootOrder = []types.BaseVirtualMachineBootOptionsBootableDevice{
			&types.VirtualMachineBootOptionsBootableFloppyDevice{},
		}
	default:
		return fmt.Errorf("unsupported boot device: %s", device)
	}

	task, err := vm.Reconfigure(ctx, types.VirtualMachineConfigSpec{BootOptions: bootOptions})
	if err != nil {
		return fmt.Errorf("reconfigure vm: %w", err)
	}
	return task.Wait(ctx)
}
