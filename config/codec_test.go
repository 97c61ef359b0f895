package config

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
	"testing"

	"github.com/signalsfoundry/wsnkernel/kernel"
	"github.com/signalsfoundry/wsnkernel/kernelerr"
)

type fakeRadioMedium struct {
	typeTag string
	raw     []byte
	loaded  bool
}

func (f *fakeRadioMedium) LoadFinished()          { f.loaded = true }
func (f *fakeRadioMedium) Register(kernel.Mote)   {}
func (f *fakeRadioMedium) Unregister(kernel.Mote) {}
func (f *fakeRadioMedium) TypeTag() string        { return f.typeTag }
func (f *fakeRadioMedium) RawXML() []byte         { return f.raw }

type fakeMoteType struct {
	id  string
	tag string
	raw []byte
}

func (f *fakeMoteType) ID() string      { return f.id }
func (f *fakeMoteType) TypeTag() string { return f.tag }
func (f *fakeMoteType) RawXML() []byte  { return f.raw }

type fakeMote struct {
	id     string
	typeID string
	raw    []byte
}

func (f *fakeMote) ID() string      { return f.id }
func (f *fakeMote) TypeID() string  { return f.typeID }
func (f *fakeMote) Remove()         {}
func (f *fakeMote) TypeTag() string { return f.typeID }
func (f *fakeMote) RawXML() []byte  { return f.raw }

type moteTypeFieldsXML struct {
	Identifier string `xml:"identifier"`
}

type moteFieldsFixtureXML struct {
	ID string `xml:"id"`
}

func testCodec() *Codec {
	c := New()
	c.RadioMediumFactory = func(typeTag string, raw []byte) (kernel.RadioMedium, error) {
		return &fakeRadioMedium{typeTag: typeTag, raw: raw}, nil
	}
	c.MoteTypeFactory = func(typeTag string, raw []byte) (kernel.MoteType, error) {
		var fields moteTypeFieldsXML
		if err := xml.Unmarshal(wrap("motetype", raw), &fields); err != nil {
			return nil, err
		}
		return &fakeMoteType{id: fields.Identifier, tag: typeTag, raw: raw}, nil
	}
	c.MoteFactory = func(moteTypeID string, raw []byte) (kernel.Mote, error) {
		var fields moteFieldsFixtureXML
		if err := xml.Unmarshal(wrap("mote", raw), &fields); err != nil {
			return nil, err
		}
		return &fakeMote{id: fields.ID, typeID: moteTypeID, raw: raw}, nil
	}
	return c
}

func wrap(tag string, inner []byte) []byte {
	return append(append([]byte("<"+tag+">"), inner...), []byte("</"+tag+">")...)
}

const fixtureDoc = `<simconf>
  <simulation>
    <title>Test Scenario</title>
    <speedlimit>null</speedlimit>
    <randomseed>generated</randomseed>
    <motedelay>5</motedelay>
    <radiomedium type="se.sics.cooja.radiomediums.UDGM">
      <transmitting_range>50.0</transmitting_range>
    </radiomedium>
    <events>
      <logoutput>true</logoutput>
    </events>
    <motetype type="se.sics.cooja.motetypes.ContikiMoteType">
      <identifier>mtype1</identifier>
    </motetype>
    <mote>
      <motetype_identifier>mtype1</motetype_identifier>
      <id>mote1</id>
    </mote>
    <mote>
      <motetype_identifier>mtype1</motetype_identifier>
      <id>mote2</id>
    </mote>
  </simulation>
</simconf>`

func TestDecodeAppliesKernelState(t *testing.T) {
	k := kernel.New(kernel.Config{Seed: 1, SeedAutoGenerated: true})
	c := testCodec()

	if err := c.Decode(strings.NewReader(fixtureDoc), k); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got := k.Title(); got != "Test Scenario" {
		t.Fatalf("Title() = %q, want %q", got, "Test Scenario")
	}
	if _, limited := k.SpeedRatio(); limited {
		t.Fatalf("SpeedRatio() limited = true, want false (null speedlimit)")
	}
	if _, auto := k.Seed(); !auto {
		t.Fatalf("Seed() autoGenerated = false, want true (\"generated\")")
	}
	if got := k.MaxStartupDelay(); got != 5*kernel.Millisecond {
		t.Fatalf("MaxStartupDelay() = %d, want %d (5ms legacy motedelay)", got, 5*kernel.Millisecond)
	}

	rm := k.GetRadioMedium()
	if rm == nil {
		t.Fatal("GetRadioMedium() = nil, want a registered radio medium")
	}
	frm := rm.(*fakeRadioMedium)
	if frm.typeTag != "org.contikios.cooja.radiomediums.UDGM" {
		t.Fatalf("radiomedium type tag = %q, want legacy namespace rewritten", frm.typeTag)
	}
	if !frm.loaded {
		t.Fatal("radiomedium.LoadFinished was not called after Decode")
	}

	types := k.GetMoteTypes()
	if len(types) != 1 || types[0].ID() != "mtype1" {
		t.Fatalf("GetMoteTypes() = %+v, want one mote type mtype1", types)
	}

	motes := k.GetMotes()
	if len(motes) != 2 {
		t.Fatalf("GetMotes() len = %d, want 2", len(motes))
	}
	if motes[0].ID() != "mote1" || motes[1].ID() != "mote2" {
		t.Fatalf("GetMotes() ids = [%s %s], want [mote1 mote2] in registration order", motes[0].ID(), motes[1].ID())
	}
}

func TestDecodeDropsDuplicateMoteID(t *testing.T) {
	doc := strings.Replace(fixtureDoc, "<id>mote2</id>", "<id>mote1</id>", 1)
	k := kernel.New(kernel.Config{})
	c := testCodec()

	if err := c.Decode(strings.NewReader(doc), k); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	motes := k.GetMotes()
	if len(motes) != 1 {
		t.Fatalf("GetMotes() len = %d, want 1 (duplicate dropped)", len(motes))
	}
}

func TestDecodeMissingFactoryIsConfigError(t *testing.T) {
	k := kernel.New(kernel.Config{})
	c := testCodec()
	c.MoteTypeFactory = nil

	err := c.Decode(strings.NewReader(fixtureDoc), k)
	if err == nil {
		t.Fatal("Decode: want error, got nil")
	}
	if !errors.Is(err, kernelerr.ErrConfigError) {
		t.Fatalf("Decode err = %v, want wrapping ErrConfigError", err)
	}
}

func TestDecodeUnknownMoteTypeIsConfigError(t *testing.T) {
	doc := strings.Replace(fixtureDoc, "mtype1</motetype_identifier>\n      <id>mote1", "missing</motetype_identifier>\n      <id>mote1", 1)
	k := kernel.New(kernel.Config{})
	c := testCodec()

	err := c.Decode(strings.NewReader(doc), k)
	if !errors.Is(err, kernelerr.ErrConfigError) {
		t.Fatalf("Decode err = %v, want wrapping ErrConfigError", err)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	k := kernel.New(kernel.Config{})
	c := testCodec()
	if err := c.Decode(strings.NewReader(fixtureDoc), k); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	var buf bytes.Buffer
	if err := c.Encode(&buf, k); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := buf.String()

	if strings.Contains(out, "se.sics.cooja") {
		t.Fatalf("Encode output still contains legacy namespace: %s", out)
	}
	if !strings.Contains(out, "org.contikios.cooja.radiomediums.UDGM") {
		t.Fatalf("Encode output missing rewritten radiomedium type: %s", out)
	}
	if strings.Contains(out, "<motedelay>") {
		t.Fatalf("Encode output must never emit legacy <motedelay>: %s", out)
	}
	if !strings.Contains(out, "motedelay_us") {
		t.Fatalf("Encode output missing motedelay_us: %s", out)
	}

	k2 := kernel.New(kernel.Config{})
	c2 := testCodec()
	if err := c2.Decode(strings.NewReader(out), k2); err != nil {
		t.Fatalf("re-Decode of Encode output: %v", err)
	}
	if k2.Title() != k.Title() {
		t.Fatalf("round-trip title = %q, want %q", k2.Title(), k.Title())
	}
	if len(k2.GetMotes()) != len(k.GetMotes()) {
		t.Fatalf("round-trip mote count = %d, want %d", len(k2.GetMotes()), len(k.GetMotes()))
	}
}
