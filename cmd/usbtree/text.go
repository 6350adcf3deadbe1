package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ardnew/usbenum/host"
	"github.com/ardnew/usbenum/pkg/usbid"
)

// deviceReport wraps a discovered device with display attributes that the
// descriptor tree itself does not carry.
type deviceReport struct {
	Speed     string `json:"speed,omitempty"`
	Discovery string `json:"discovery"`
	*host.DeviceInfo
}

// busReport groups the devices discovered on one bus for JSON output.
type busReport struct {
	Bus     string          `json:"bus"`
	Devices []*deviceReport `json:"devices"`
}

// report snapshots a bus run's discoveries.
func report(run *busRun) *busReport {
	rep := &busReport{Bus: run.name}
	for _, dev := range run.collector.Devices() {
		rep.Devices = append(rep.Devices, &deviceReport{
			Speed:      run.speed(dev.Address).String(),
			Discovery:  run.result(dev.Address).String(),
			DeviceInfo: dev,
		})
	}
	return rep
}

// writeJSON writes all discoveries as a JSON array of bus reports.
func writeJSON(w io.Writer, runs []*busRun) error {
	reports := make([]*busReport, 0, len(runs))
	for _, run := range runs {
		reports = append(reports, report(run))
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(reports)
}

// writeText writes all discoveries in an lsusb-like text layout.
func writeText(w io.Writer, runs []*busRun, ids *usbid.Database) {
	for _, run := range runs {
		fmt.Fprintf(w, "Bus %s\n", run.name)
		for _, dev := range run.collector.Devices() {
			writeDevice(w, run, dev, ids)
		}
	}
}

func writeDevice(w io.Writer, run *busRun, dev *host.DeviceInfo, ids *usbid.Database) {
	d := &dev.Descriptor

	title := productTitle(ids, d.VendorID, d.ProductID)
	fmt.Fprintf(w, "Device %03d: ID %04x:%04x %s\n",
		dev.Address, d.VendorID, d.ProductID, title)

	fmt.Fprintf(w, "  %s, USB %s, %s, max packet %d, device %s\n",
		run.speed(dev.Address), bcdString(d.USBVersion),
		deviceClassSummary(d), d.MaxPacketSize0, bcdString(d.DeviceVersion))

	if state := run.result(dev.Address); state.Phase != host.PhaseDone {
		fmt.Fprintf(w, "  discovery incomplete: %s\n", state)
	}

	for i := range dev.Configs {
		cfg := &dev.Configs[i]
		power := "bus powered"
		if cfg.Descriptor.IsSelfPowered() {
			power = "self powered"
		}
		fmt.Fprintf(w, "  Configuration %d: %d interfaces, %s, %d mA\n",
			cfg.Descriptor.ConfigurationValue, cfg.Descriptor.NumInterfaces,
			power, cfg.Descriptor.MaxPowerMilliAmps())

		for j := range cfg.Interfaces {
			iface := &cfg.Interfaces[j]
			fmt.Fprintf(w, "    Interface %d alt %d: %s (%02x/%02x/%02x)\n",
				iface.Descriptor.InterfaceNumber, iface.Descriptor.AlternateSetting,
				interfaceSummary(&iface.Descriptor),
				iface.Descriptor.InterfaceClass, iface.Descriptor.InterfaceSubClass,
				iface.Descriptor.InterfaceProtocol)

			for _, extra := range iface.Extra {
				fmt.Fprintf(w, "      Descriptor 0x%02x, %d bytes\n",
					extra.Type, len(extra.Data)+host.DescriptorHeaderSize)
			}
			for k := range iface.Endpoints {
				ep := &iface.Endpoints[k]
				fmt.Fprintf(w, "      %s, max packet %d, interval %d\n",
					ep, ep.MaxPacketSize, ep.Interval)
			}
		}

		for _, extra := range cfg.Extra {
			fmt.Fprintf(w, "    Descriptor 0x%02x, %d bytes\n",
				extra.Type, len(extra.Data)+host.DescriptorHeaderSize)
		}
	}

	for _, extra := range dev.Extra {
		fmt.Fprintf(w, "  Descriptor 0x%02x, %d bytes\n",
			extra.Type, len(extra.Data)+host.DescriptorHeaderSize)
	}
}

// productTitle resolves vendor and product names from the ID database,
// falling back to generic labels when the database has no entry.
func productTitle(ids *usbid.Database, vid, pid uint16) string {
	vendor := ids.LookupVendor(vid)
	product := ids.LookupProduct(vid, pid)
	switch {
	case vendor != "" && product != "":
		return vendor + " " + product
	case vendor != "":
		return vendor
	default:
		return "(unknown device)"
	}
}
