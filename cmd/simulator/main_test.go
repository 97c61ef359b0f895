package main

import (
	"encoding/xml"
	"strings"
	"testing"

	"github.com/signalsfoundry/wsnkernel/kernel"
)

func TestPassthroughMoteTypeFactoryParsesIdentifier(t *testing.T) {
	raw := []byte(`<identifier>mtype1</identifier><description>Example</description>`)
	mt, err := newPassthroughMoteType("org.contikios.cooja.motetypes.ContikiMoteType", raw)
	if err != nil {
		t.Fatalf("newPassthroughMoteType: %v", err)
	}
	if mt.ID() != "mtype1" {
		t.Fatalf("ID() = %q, want %q", mt.ID(), "mtype1")
	}
	got := mt.(*passthroughMoteType).RawXML()
	if string(got) != string(raw) {
		t.Fatalf("RawXML() = %q, want %q", got, raw)
	}
}

func TestPassthroughMoteTypeFactoryRejectsMissingIdentifier(t *testing.T) {
	_, err := newPassthroughMoteType("org.contikios.cooja.motetypes.ContikiMoteType", []byte(`<description>no id</description>`))
	if err == nil {
		t.Fatal("newPassthroughMoteType: want error for missing <identifier>, got nil")
	}
}

func TestPassthroughMoteFactoryParsesID(t *testing.T) {
	raw := []byte(`<motetype_identifier>mtype1</motetype_identifier><id>mote1</id>`)
	m, err := newPassthroughMote("mtype1", raw)
	if err != nil {
		t.Fatalf("newPassthroughMote: %v", err)
	}
	if m.ID() != "mote1" {
		t.Fatalf("ID() = %q, want %q", m.ID(), "mote1")
	}
	if m.TypeID() != "mtype1" {
		t.Fatalf("TypeID() = %q, want %q", m.TypeID(), "mtype1")
	}
}

func TestPassthroughRadioMediumLoadFinishedAndRawXML(t *testing.T) {
	raw := []byte(`<transmitting_range>50.0</transmitting_range>`)
	rm := newPassthroughRadioMedium("org.contikios.cooja.radiomediums.UDGM", raw)

	var mote kernel.Mote
	rm.Register(mote)
	rm.Unregister(mote)
	rm.LoadFinished()

	if rm.TypeTag() != "org.contikios.cooja.radiomediums.UDGM" {
		t.Fatalf("TypeTag() = %q, want rewritten namespace", rm.TypeTag())
	}
	if string(rm.RawXML()) != string(raw) {
		t.Fatalf("RawXML() = %q, want %q", rm.RawXML(), raw)
	}
}

func TestWrapElementProducesParseableXML(t *testing.T) {
	wrapped := wrapElement("mote", []byte(`<id>mote1</id>`))
	var fields struct {
		ID string `xml:"id"`
	}
	if err := xml.Unmarshal(wrapped, &fields); err != nil {
		t.Fatalf("Unmarshal(wrapElement(...)): %v", err)
	}
	if fields.ID != "mote1" {
		t.Fatalf("ID = %q, want %q", fields.ID, "mote1")
	}
	if !strings.HasPrefix(string(wrapped), "<mote>") || !strings.HasSuffix(string(wrapped), "</mote>") {
		t.Fatalf("wrapElement output = %q, want wrapped in <mote>...</mote>", wrapped)
	}
}

func TestApplySpeedFlagUnlimited(t *testing.T) {
	k := kernel.New(kernel.Config{})
	if err := applySpeedFlag(k, "unlimited"); err != nil {
		t.Fatalf("applySpeedFlag(unlimited): %v", err)
	}
	if _, limited := k.SpeedRatio(); limited {
		t.Fatal("SpeedRatio() limited = true, want false after \"unlimited\"")
	}
}

func TestApplySpeedFlagRatio(t *testing.T) {
	k := kernel.New(kernel.Config{})
	if err := applySpeedFlag(k, "3.5"); err != nil {
		t.Fatalf("applySpeedFlag(3.5): %v", err)
	}
	ratio, limited := k.SpeedRatio()
	if !limited || ratio != 3.5 {
		t.Fatalf("SpeedRatio() = (%v, %v), want (3.5, true)", ratio, limited)
	}
}

func TestApplySpeedFlagRejectsGarbage(t *testing.T) {
	k := kernel.New(kernel.Config{})
	if err := applySpeedFlag(k, "fast please"); err == nil {
		t.Fatal("applySpeedFlag(garbage): want error, got nil")
	}
}
