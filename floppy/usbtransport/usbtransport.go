// USB bulk transport boundary
// https://github.com/usbarmory/fluxbridge
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usbtransport is the narrow boundary between the flux I/O engine
// and the USB bulk OUT/IN endpoint pair: a one-packet-deep queue in each
// direction with a ready flag, standing in for the donor's
// ep_rx_ready/ep_tx_ready/usb_read/usb_write calls. Anything below this
// interface (descriptors, transfer descriptors, endpoint enable/stall) is
// out of scope for this package.
package usbtransport

// Endpoint is the OUT+IN bulk pair the command pipeline reads frames from
// and writes responses to.
type Endpoint interface {
	// RxReady reports whether a fresh OUT packet is available to Read.
	RxReady() bool
	// TxReady reports whether the IN side has drained its previous
	// packet and can accept another Write.
	TxReady() bool
	// Read returns the most recently received OUT packet. It must only
	// be called when RxReady is true, and consumes that packet.
	Read() []byte
	// Write queues buf as the next IN packet. It must only be called
	// when TxReady is true. An empty buf sends a zero-length packet.
	Write(buf []byte)
}

// Bridge adapts a tamago-style callback endpoint (EndpointDescriptor.Function,
// invoked once per scheduler pass with the most recent OUT payload and
// expected to return the next IN payload) to the pull/push Endpoint
// interface the command pipeline drives explicitly. This is the shape the
// donor's own callback-driven USB stack requires: Function is called
// repeatedly regardless of whether new data has arrived, so Bridge
// tracks readiness itself rather than assuming every call carries a
// fresh packet.
type Bridge struct {
	rx     chan []byte
	tx     chan []byte
	rxHead []byte
	txHead []byte
	rxSet  bool
	txSet  bool
}

// NewBridge returns a Bridge with single-packet buffering in each
// direction, matching the donor's "one deep queue between ring and
// endpoint" design.
func NewBridge() *Bridge {
	return &Bridge{
		rx: make(chan []byte, 1),
		tx: make(chan []byte, 1),
	}
}

// Function is the callback to register as the endpoint's transfer
// function: out is the payload just received on the OUT endpoint (nil if
// none), and the returned buffer is queued for the next IN transfer.
func (b *Bridge) Function(out []byte, err error) ([]byte, error) {
	if out != nil {
		select {
		case b.rx <- out:
		default:
			// the pipeline hasn't drained the previous packet yet;
			// the donor's single ready-flagged buffer has the same
			// backpressure, so drop rather than block the callback.
		}
	}

	select {
	case in := <-b.tx:
		b.txSet = false
		return in, nil
	default:
		return nil, nil
	}
}

func (b *Bridge) RxReady() bool {
	if !b.rxSet {
		select {
		case b.rxHead = <-b.rx:
			b.rxSet = true
		default:
		}
	}
	return b.rxSet
}

func (b *Bridge) Read() []byte {
	b.rxSet = false
	return b.rxHead
}

func (b *Bridge) TxReady() bool {
	return !b.txSet
}

func (b *Bridge) Write(buf []byte) {
	select {
	case b.tx <- buf:
		b.txSet = true
	default:
	}
}
