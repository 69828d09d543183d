package endpoint

import (
	"fmt"
	"time"

	"github.com/willrnsantana/esphome-i2s-audio-duplex-integration/settings"
)

// The methods in this file are spec.md §6's host-facing control
// surface. Each either delegates directly to CallEngine/AudioPipeline
// or mutates and persists a Settings field through the store.

func (ep *Endpoint) Start() error   { return ep.engine.Start() }
func (ep *Endpoint) Stop() error    { return ep.engine.Stop() }
func (ep *Endpoint) Answer() error  { return ep.engine.Answer() }
func (ep *Endpoint) Decline() error { return ep.engine.Decline() }
func (ep *Endpoint) Toggle() error  { return ep.engine.Toggle() }

// Disconnect is an alias for Stop, matching spec.md §6's naming.
func (ep *Endpoint) Disconnect() error { return ep.engine.Stop() }

// ConnectTo dials host:port directly, bypassing the contact list, then
// issues the same start() transition Toggle/Start would from Idle.
func (ep *Endpoint) ConnectTo(host string, port int) error {
	ep.engine.SetDialTarget(host, port)
	return ep.engine.Start()
}

// SetVolume updates playback volume and persists it.
func (ep *Endpoint) SetVolume(v float64) error {
	ep.pipe.SetVolume(v)
	return ep.mutateSettings(func(s *settings.Settings) { s.SetVolume(v) })
}

// SetMicGainDB updates capture-path gain and persists it.
func (ep *Endpoint) SetMicGainDB(db float64) error {
	if db < -20 || db > 20 {
		return fmt.Errorf("endpoint: mic gain %.1f dB out of range [-20, 20]", db)
	}
	ep.pipe.SetGainDB(db)
	return ep.mutateSettings(func(s *settings.Settings) { s.MicGainDB = int8(db) })
}

// SetAutoAnswer persists the auto-answer flag. The running engine keeps
// the auto-answer setting New built it with, so the persisted value is
// only read the next time New constructs an Endpoint from this store.
func (ep *Endpoint) SetAutoAnswer(on bool) error {
	return ep.mutateSettings(func(s *settings.Settings) { s.SetFlag(settings.FlagAutoAnswer, on) })
}

// SetAECEnabled toggles whether the TX task routes captured audio
// through the AEC aligner or forwards it raw.
func (ep *Endpoint) SetAECEnabled(on bool) error {
	ep.aecEnabled.Store(on)
	return ep.mutateSettings(func(s *settings.Settings) { s.SetFlag(settings.FlagAECEnabled, on) })
}

// SetRingingTimeout updates the live engine's Ringing/Outgoing
// abandonment bound and persists it in milliseconds.
func (ep *Endpoint) SetRingingTimeout(ms uint32) error {
	ep.engine.SetRingingTimeout(time.Duration(ms) * time.Millisecond)
	return ep.mutateSettings(func(s *settings.Settings) { s.RingingTimeoutMS = ms })
}

// SetContacts replaces the contact list from a "name@host:port,..."
// csv, per spec.md §6.
func (ep *Endpoint) SetContacts(csv string) error {
	entries, err := parseContacts(csv)
	if err != nil {
		return err
	}
	ep.contacts.setContacts(entries)
	return nil
}

// NextContact and PrevContact move the contact cursor and report the
// newly selected entry, ok=false if the list is empty.
func (ep *Endpoint) NextContact() (Contact, bool) { return ep.contacts.next() }
func (ep *Endpoint) PrevContact() (Contact, bool) { return ep.contacts.prev() }

// CurrentContact returns the currently selected contact without moving
// the cursor.
func (ep *Endpoint) CurrentContact() (Contact, bool) { return ep.contacts.current() }

// mutateSettings loads the persisted record, applies fn, and saves the
// debounced result — the pattern every settings-backed control
// operation above shares.
func (ep *Endpoint) mutateSettings(fn func(*settings.Settings)) error {
	s, err := ep.store.Load()
	if err != nil {
		return err
	}
	fn(&s)
	return ep.store.Save(s)
}
