// Cooperative two-worker scheduler
// https://github.com/usbarmory/fluxbridge
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package worker replaces the donor's inline-assembly cooperative
// stack-switch between its usb_process and floppy_process threads with
// two goroutines rendezvousing on a pair of unbuffered channels. Exactly
// two workers run for the process lifetime; there is no preemption and
// no unbounded goroutine fan-out, matching the donor's two-thread model
// one-for-one.
package worker

// Yielder hands control to the other worker and blocks until it yields
// back. Both the top-level "step, then yield" loop and any busy-wait
// buried inside a step (op-delay, motor settling, DMA teardown) call
// the same primitive, so neither worker can starve the other for more
// than a bounded unit of work regardless of where in its step function
// it calls Yield.
type Yielder interface {
	Yield()
}

// Pair runs two cooperating step functions, strictly alternating
// between them.
type Pair struct {
	toUSB    chan struct{}
	toFloppy chan struct{}
}

// NewPair constructs a Pair. Start must be called to begin running the
// two worker loops.
func NewPair() *Pair {
	return &Pair{
		toUSB:    make(chan struct{}),
		toFloppy: make(chan struct{}),
	}
}

// side implements Yielder for one of the two fixed workers.
type side struct {
	send, recv chan struct{}
}

func (s side) Yield() {
	s.send <- struct{}{}
	<-s.recv
}

// USBSide returns the Yielder the USB-facing worker must use.
func (p *Pair) USBSide() Yielder {
	return side{send: p.toFloppy, recv: p.toUSB}
}

// FloppySide returns the Yielder the floppy-facing worker must use.
func (p *Pair) FloppySide() Yielder {
	return side{send: p.toUSB, recv: p.toFloppy}
}

// Start launches the two worker goroutines, each looping "step then
// yield" forever. usbStep and floppyStep are given their own Yielder so
// that a busy-wait nested arbitrarily deep inside a step can still hand
// off control without waiting for the step to return.
func (p *Pair) Start(usbStep func(Yielder), floppyStep func(Yielder)) {
	usb := p.USBSide()
	flp := p.FloppySide()

	go func() {
		for {
			usbStep(usb)
			usb.Yield()
		}
	}()
	go func() {
		// the USB worker steps first; wait for its first hand-off.
		<-p.toFloppy
		for {
			floppyStep(flp)
			flp.Yield()
		}
	}()
}
