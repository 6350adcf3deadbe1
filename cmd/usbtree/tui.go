package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/ardnew/usbenum/host"
	"github.com/ardnew/usbenum/pkg"
	"github.com/ardnew/usbenum/pkg/usbid"
)

// tui renders discovered descriptor trees and streams engine logs in a
// terminal interface.
type tui struct {
	app     *tview.Application
	tree    *tview.TreeView
	details *tview.TextView
	logView *tview.TextView

	runs []*busRun
	ids  *usbid.Database
}

// newTUI builds the interface: descriptor tree on the left, the selected
// node's details on the right, engine log at the bottom.
func newTUI(runs []*busRun, ids *usbid.Database) *tui {
	t := &tui{
		app:     tview.NewApplication(),
		tree:    tview.NewTreeView(),
		details: tview.NewTextView(),
		logView: tview.NewTextView(),
		runs:    runs,
		ids:     ids,
	}

	root := tview.NewTreeNode("USB").SetSelectable(false)
	t.tree.SetRoot(root).SetTopLevel(1)
	t.tree.SetBorder(true).SetTitle("Devices")
	t.tree.SetChangedFunc(func(node *tview.TreeNode) {
		if text, ok := node.GetReference().(string); ok {
			t.details.SetText(text)
		}
	})
	t.tree.SetSelectedFunc(func(node *tview.TreeNode) {
		node.SetExpanded(!node.IsExpanded())
	})

	t.details.SetBorder(true)
	t.details.SetTitle("Details")

	t.logView.SetMaxLines(200)
	t.logView.SetBorder(true).SetTitle("Log")
	t.logView.SetChangedFunc(func() {
		t.app.Draw()
	})

	status := tview.NewTextView().
		SetText(" q quit · r rediscover · arrows navigate · enter fold")

	columns := tview.NewFlex().
		AddItem(t.tree, 0, 1, true).
		AddItem(t.details, 0, 1, false)

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(columns, 0, 1, true).
		AddItem(t.logView, 8, 0, false).
		AddItem(status, 1, 0, false)

	t.app.SetRoot(layout, true)
	t.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		switch ev.Rune() {
		case 'q':
			t.app.Stop()
			return nil
		case 'r':
			t.rediscover()
			return nil
		}
		return ev
	})

	// Engine logs land in the log pane instead of stderr.
	pkg.SetLogger(pkg.NewLogger(t.logView, nil))

	t.rebuild()
	return t
}

// run blocks inside the tview event loop until the user quits.
func (t *tui) run() error {
	return t.app.Run()
}

// stop terminates the event loop. Safe to call from any goroutine.
func (t *tui) stop() {
	t.app.Stop()
}

// refresh rebuilds the tree from the collectors on the UI goroutine.
// Safe to call from any goroutine.
func (t *tui) refresh() {
	t.app.QueueUpdateDraw(t.rebuild)
}

// rediscover walks every known device again.
func (t *tui) rediscover() {
	for _, run := range t.runs {
		for _, dev := range run.collector.Devices() {
			if err := run.host.DiscoverDevice(dev.Address); err != nil {
				pkg.LogWarn(componentTree, "rediscovery rejected",
					"bus", run.name, "addr", dev.Address, "error", err)
			}
		}
	}
}

// rebuild reconstructs all tree nodes from the collectors.
func (t *tui) rebuild() {
	root := t.tree.GetRoot()
	root.ClearChildren()

	for _, run := range t.runs {
		devices := run.collector.Devices()
		busNode := tview.NewTreeNode(fmt.Sprintf("Bus %s (%d devices)", run.name, len(devices)))
		busNode.SetReference(fmt.Sprintf("Bus %s\n\nDevices discovered: %d", run.name, len(devices)))
		root.AddChild(busNode)

		for _, dev := range devices {
			busNode.AddChild(t.deviceNode(run, dev))
		}
	}

	if node := t.tree.GetCurrentNode(); node == nil || node == root {
		children := root.GetChildren()
		if len(children) > 0 {
			t.tree.SetCurrentNode(children[0])
		}
	}
}

func (t *tui) deviceNode(run *busRun, dev *host.DeviceInfo) *tview.TreeNode {
	d := &dev.Descriptor
	title := productTitle(t.ids, d.VendorID, d.ProductID)

	label := fmt.Sprintf("%3d: [yellow]%04x:%04x[-] %s", dev.Address, d.VendorID, d.ProductID, title)
	if state := run.result(dev.Address); state.Phase == host.PhaseParseError {
		label += " [red](malformed)[-]"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", title)
	fmt.Fprintf(&b, "Address            %d\n", dev.Address)
	fmt.Fprintf(&b, "Speed              %s\n", run.speed(dev.Address))
	fmt.Fprintf(&b, "Discovery          %s\n\n", run.result(dev.Address))
	fmt.Fprintf(&b, "bcdUSB             %s\n", bcdString(d.USBVersion))
	fmt.Fprintf(&b, "bDeviceClass       0x%02x  %s\n", d.DeviceClass, deviceClassSummary(d))
	fmt.Fprintf(&b, "bDeviceSubClass    0x%02x\n", d.DeviceSubClass)
	fmt.Fprintf(&b, "bDeviceProtocol    0x%02x\n", d.DeviceProtocol)
	fmt.Fprintf(&b, "bMaxPacketSize0    %d\n", d.MaxPacketSize0)
	fmt.Fprintf(&b, "idVendor           0x%04x\n", d.VendorID)
	fmt.Fprintf(&b, "idProduct          0x%04x\n", d.ProductID)
	fmt.Fprintf(&b, "bcdDevice          %s\n", bcdString(d.DeviceVersion))
	fmt.Fprintf(&b, "iManufacturer      %d\n", d.ManufacturerIndex)
	fmt.Fprintf(&b, "iProduct           %d\n", d.ProductIndex)
	fmt.Fprintf(&b, "iSerialNumber      %d\n", d.SerialNumberIndex)
	fmt.Fprintf(&b, "bNumConfigurations %d\n", d.NumConfigurations)

	node := tview.NewTreeNode(label).SetReference(b.String())
	for i := range dev.Configs {
		node.AddChild(t.configNode(&dev.Configs[i]))
	}
	for _, extra := range dev.Extra {
		extra := extra
		node.AddChild(classNode(&extra))
	}
	return node
}

func (t *tui) configNode(cfg *host.ConfigInfo) *tview.TreeNode {
	c := &cfg.Descriptor
	label := fmt.Sprintf("Configuration %d", c.ConfigurationValue)

	power := "bus powered"
	if c.IsSelfPowered() {
		power = "self powered"
	}
	wakeup := "no"
	if c.SupportsRemoteWakeup() {
		wakeup = "yes"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Configuration %d\n\n", c.ConfigurationValue)
	fmt.Fprintf(&b, "wTotalLength       %d\n", c.TotalLength)
	fmt.Fprintf(&b, "bNumInterfaces     %d\n", c.NumInterfaces)
	fmt.Fprintf(&b, "bmAttributes       0x%02x  %s\n", c.Attributes, power)
	fmt.Fprintf(&b, "remote wakeup      %s\n", wakeup)
	fmt.Fprintf(&b, "bMaxPower          %d mA\n", c.MaxPowerMilliAmps())

	node := tview.NewTreeNode(label).SetReference(b.String())
	for i := range cfg.Interfaces {
		node.AddChild(interfaceNode(&cfg.Interfaces[i]))
	}
	for _, extra := range cfg.Extra {
		extra := extra
		node.AddChild(classNode(&extra))
	}
	return node
}

func interfaceNode(iface *host.InterfaceInfo) *tview.TreeNode {
	d := &iface.Descriptor
	label := fmt.Sprintf("Interface %d: %s", d.InterfaceNumber, interfaceSummary(d))

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", interfaceSummary(d))
	fmt.Fprintf(&b, "bInterfaceNumber   %d\n", d.InterfaceNumber)
	fmt.Fprintf(&b, "bAlternateSetting  %d\n", d.AlternateSetting)
	fmt.Fprintf(&b, "bNumEndpoints      %d\n", d.NumEndpoints)
	fmt.Fprintf(&b, "bInterfaceClass    0x%02x  %s\n", d.InterfaceClass, className(d.InterfaceClass))
	fmt.Fprintf(&b, "bInterfaceSubClass 0x%02x\n", d.InterfaceSubClass)
	fmt.Fprintf(&b, "bInterfaceProtocol 0x%02x\n", d.InterfaceProtocol)

	node := tview.NewTreeNode(label).SetReference(b.String())
	for _, extra := range iface.Extra {
		extra := extra
		node.AddChild(classNode(&extra))
	}
	for i := range iface.Endpoints {
		node.AddChild(endpointNode(&iface.Endpoints[i]))
	}
	return node
}

func endpointNode(ep *host.EndpointDescriptor) *tview.TreeNode {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", ep)
	fmt.Fprintf(&b, "bEndpointAddress   0x%02x\n", ep.EndpointAddress)
	fmt.Fprintf(&b, "bmAttributes       0x%02x\n", ep.Attributes)
	fmt.Fprintf(&b, "wMaxPacketSize     %d\n", ep.MaxPacketSize)
	fmt.Fprintf(&b, "bInterval          %d\n", ep.Interval)

	return tview.NewTreeNode(ep.String()).SetReference(b.String())
}

func classNode(extra *host.ClassDescriptor) *tview.TreeNode {
	label := fmt.Sprintf("Descriptor 0x%02x (%d bytes)",
		extra.Type, len(extra.Data)+host.DescriptorHeaderSize)

	var b strings.Builder
	fmt.Fprintf(&b, "Class-specific descriptor\n\n")
	fmt.Fprintf(&b, "bDescriptorType    0x%02x\n", extra.Type)
	fmt.Fprintf(&b, "length             %d bytes\n\n", len(extra.Data)+host.DescriptorHeaderSize)
	if len(extra.Data) > 0 {
		b.WriteString(hex.Dump(extra.Data))
	}

	return tview.NewTreeNode(label).SetReference(b.String())
}
