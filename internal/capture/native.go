package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"

	"espcap/internal/logger"
)

// NativeSource decodes packets in-process with gopacket instead of running
// an external tool. Files may be pcapng or classic pcap. Live capture needs
// libpcap and a cgo build.
type NativeSource struct {
	SnapLen     int
	Promiscuous bool
	// ReadTimeout bounds each blocking read on a live handle
	ReadTimeout time.Duration
	log         *logger.Logger
}

// NewNativeSource returns a NativeSource with libpcap-friendly defaults.
func NewNativeSource(snapLen int) *NativeSource {
	if snapLen <= 0 {
		snapLen = 262144
	}
	return &NativeSource{
		SnapLen:     snapLen,
		Promiscuous: true,
		ReadTimeout: 500 * time.Millisecond,
		log:         logger.GetLogger(),
	}
}

// Open starts a live capture or opens a capture file for replay.
func (s *NativeSource) Open(ctx context.Context, inv Invocation) (Stream, error) {
	if inv.Live() {
		return s.openLive(ctx, inv)
	}
	return s.openFile(ctx, inv)
}

// ListInterfaces enumerates libpcap devices.
func (s *NativeSource) ListInterfaces(ctx context.Context) ([]Interface, error) {
	return listDevices()
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

func (s *NativeSource) openFile(ctx context.Context, inv Invocation) (Stream, error) {
	f, err := os.Open(inv.File)
	if err != nil {
		return nil, &StartError{Origin: inv.File, Err: err}
	}

	// Try pcapng first, then fall back to classic pcap
	var (
		reader packetReader
		link   gopacket.Decoder
	)
	if ng, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions); err == nil {
		reader, link = ng, ng.LinkType()
	} else {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, &StartError{Origin: inv.File, Err: fmt.Errorf("rewind: %w", err)}
		}
		r, err := pcapgo.NewReader(f)
		if err != nil {
			f.Close()
			return nil, &StartError{Origin: inv.File, Err: fmt.Errorf("not a pcap or pcapng file: %w", err)}
		}
		reader, link = r, r.LinkType()
	}
	s.log.Debug("[capture] replaying %s natively", inv.File)
	return newNativeStream(ctx, inv, reader, link, f.Close, nil), nil
}

type nativeStream struct {
	ctx    context.Context
	inv    Invocation
	reader packetReader
	link   gopacket.Decoder
	// retry reports read errors that should be skipped (live timeouts)
	retry  func(error) bool

	closeOnce sync.Once
	closer    func() error
	closeErr  error
	closed    atomic.Bool

	seq  uint64
	rec  PacketRecord
	err  error
	done bool
}

func newNativeStream(ctx context.Context, inv Invocation, r packetReader, link gopacket.Decoder, closer func() error, retry func(error) bool) *nativeStream {
	return &nativeStream{ctx: ctx, inv: inv, reader: r, link: link, closer: closer, retry: retry}
}

func (s *nativeStream) Next() bool {
	if s.done {
		return false
	}
	for {
		if s.closed.Load() || s.ctx.Err() != nil {
			s.end()
			return false
		}
		data, ci, err := s.reader.ReadPacketData()
		if err != nil {
			if s.retry != nil && s.retry(err) {
				continue
			}
			if errors.Is(err, io.EOF) || s.closed.Load() {
				s.end()
				return false
			}
			if s.seq == 0 {
				s.err = &StartError{Origin: s.inv.Origin(), Err: err}
			} else {
				s.err = &StreamError{Origin: s.inv.Origin(), After: s.seq, Err: err}
			}
			s.end()
			return false
		}

		pkt := gopacket.NewPacket(data, s.link, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		s.seq++
		s.rec = PacketRecord{
			Sequence:  s.seq,
			Source:    s.inv.Origin(),
			Session:   s.inv.Session,
			Timestamp: ci.Timestamp.UTC(),
			Layers:    packetLayers(pkt, ci),
		}
		if s.inv.Live() && s.inv.Count > 0 && s.seq >= uint64(s.inv.Count) {
			s.end()
		}
		return true
	}
}

func (s *nativeStream) Record() PacketRecord { return s.rec }

func (s *nativeStream) Err() error { return s.err }

func (s *nativeStream) Close() error {
	s.closed.Store(true)
	s.closeOnce.Do(func() {
		s.closeErr = s.closer()
	})
	return s.closeErr
}

func (s *nativeStream) end() {
	s.done = true
	s.Close()
}
