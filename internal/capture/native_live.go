//go:build cgo

package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gopacket/pcap"
)

func (s *NativeSource) openLive(ctx context.Context, inv Invocation) (Stream, error) {
	if inv.Interface == "" {
		return nil, &StartError{Origin: inv.Interface, Err: errors.New("no interface given")}
	}
	handle, err := pcap.OpenLive(inv.Interface, int32(s.SnapLen), s.Promiscuous, s.ReadTimeout)
	if err != nil {
		return nil, &StartError{Origin: inv.Interface, Err: err}
	}
	if inv.Filter != "" {
		if err := handle.SetBPFFilter(inv.Filter); err != nil {
			handle.Close()
			return nil, &StartError{Origin: inv.Interface, Err: fmt.Errorf("bpf filter %q: %w", inv.Filter, err)}
		}
	}
	s.log.Info("[capture] listening on %s (snaplen %d, filter %q)", inv.Interface, s.SnapLen, inv.Filter)

	closer := func() error {
		handle.Close()
		return nil
	}
	retry := func(err error) bool {
		return errors.Is(err, pcap.NextErrorTimeoutExpired)
	}
	return newNativeStream(ctx, inv, handle, handle.LinkType(), closer, retry), nil
}

func listDevices() ([]Interface, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("find devices: %w", err)
	}
	ifaces := make([]Interface, 0, len(devs))
	for i, d := range devs {
		iface := Interface{Index: i + 1, Name: d.Name, Description: d.Description}
		for _, a := range d.Addresses {
			iface.Addresses = append(iface.Addresses, a.IP.String())
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces, nil
}
