// Package config implements ConfigCodec: round-tripping kernel state to and
// from the XML-shaped scenario format the simulator loads at startup.
package config

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/signalsfoundry/wsnkernel/internal/logging"
	"github.com/signalsfoundry/wsnkernel/kernel"
	"github.com/signalsfoundry/wsnkernel/kernelerr"
)

const (
	legacyNamespacePrefix  = "se.sics.cooja."
	currentNamespacePrefix = "org.contikios.cooja."
)

// RadioMediumFactory constructs a RadioMedium collaborator from its
// (namespace-rewritten) type tag and the raw inner XML of its <radiomedium>
// element.
type RadioMediumFactory func(typeTag string, rawXML []byte) (kernel.RadioMedium, error)

// MoteTypeFactory constructs a MoteType collaborator from a <motetype>
// element in the same way.
type MoteTypeFactory func(typeTag string, rawXML []byte) (kernel.MoteType, error)

// MoteFactory constructs a Mote collaborator for a <mote> element, given the
// identifier of its already-registered mote type.
type MoteFactory func(moteTypeID string, rawXML []byte) (kernel.Mote, error)

// RawCollaborator is an optional interface a Mote, MoteType or RadioMedium
// implementation can satisfy so that Encode can byte-compatibly re-emit the
// element it was originally constructed from.
type RawCollaborator interface {
	TypeTag() string
	RawXML() []byte
}

// Codec round-trips kernel configuration state to and from the XML-shaped
// scenario format. Collaborator construction is delegated to the factories;
// the codec itself only recognizes kernel-level fields (title, speed limit,
// seed, startup delay, mote/mote-type/radio-medium registration order).
type Codec struct {
	Logger logging.Logger

	RadioMediumFactory RadioMediumFactory
	MoteTypeFactory    MoteTypeFactory
	MoteFactory        MoteFactory

	// lastEventsXML carries the opaque <events> blob from the most recent
	// Decode through to Encode, since the kernel has no concept of event
	// central configuration of its own.
	lastEventsXML []byte
}

// New constructs a codec with a no-op logger; set Logger and the factory
// fields before calling Decode.
func New() *Codec {
	return &Codec{Logger: logging.Noop()}
}

type simconfXML struct {
	XMLName    xml.Name      `xml:"simconf"`
	Simulation simulationXML `xml:"simulation"`
}

type simulationXML struct {
	Title       string            `xml:"title,omitempty"`
	SpeedLimit  string            `xml:"speedlimit,omitempty"`
	RandomSeed  string            `xml:"randomseed,omitempty"`
	MoteDelay   *int64            `xml:"motedelay,omitempty"`
	MoteDelayUs *int64            `xml:"motedelay_us,omitempty"`
	RadioMedium *collaboratorXML  `xml:"radiomedium,omitempty"`
	Events      *rawXML           `xml:"events,omitempty"`
	MoteTypes   []collaboratorXML `xml:"motetype,omitempty"`
	Motes       []moteXML         `xml:"mote,omitempty"`
}

type collaboratorXML struct {
	Type  string `xml:"type,attr"`
	Inner []byte `xml:",innerxml"`
}

type rawXML struct {
	Inner []byte `xml:",innerxml"`
}

type moteXML struct {
	Inner []byte `xml:",innerxml"`
}

type moteFieldsXML struct {
	MoteTypeID string `xml:"motetype_identifier"`
}

// Decode parses r as a simconf document and applies it to k: title, speed
// limit, random seed, startup delay, radio medium, mote types and motes, in
// that order, followed by LoadFinished and DrainPendingSetup. A malformed
// document, an unregistered factory, or a mote referencing an unknown mote
// type aborts the load and returns a kernelerr.ErrConfigError. A mote whose
// ID collides with one already registered is dropped with a warning rather
// than aborting the load.
func (c *Codec) Decode(r io.Reader, k *kernel.SimulationKernel) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: read config: %v", kernelerr.ErrConfigError, err)
	}

	var doc simconfXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: parse xml: %v", kernelerr.ErrConfigError, err)
	}
	sim := doc.Simulation

	if sim.Title != "" {
		k.SetTitle(sim.Title)
	}

	if err := c.applySpeedLimit(k, sim.SpeedLimit); err != nil {
		return err
	}
	if err := c.applyRandomSeed(k, sim.RandomSeed); err != nil {
		return err
	}

	switch {
	case sim.MoteDelayUs != nil:
		k.SetMaxStartupDelay(*sim.MoteDelayUs)
	case sim.MoteDelay != nil:
		k.SetMaxStartupDelay(*sim.MoteDelay * kernel.Millisecond)
	}

	if sim.Events != nil {
		c.lastEventsXML = sim.Events.Inner
	}

	if sim.RadioMedium != nil {
		tag := rewriteLegacyNamespace(sim.RadioMedium.Type)
		if c.RadioMediumFactory == nil {
			return fmt.Errorf("%w: radiomedium %q: no factory registered", kernelerr.ErrConfigError, tag)
		}
		rm, err := c.RadioMediumFactory(tag, sim.RadioMedium.Inner)
		if err != nil {
			return fmt.Errorf("%w: radiomedium %q: %v", kernelerr.ErrConfigError, tag, err)
		}
		k.SetRadioMedium(rm)
	}

	registeredTypes := make(map[string]bool)
	for _, mt := range sim.MoteTypes {
		tag := rewriteLegacyNamespace(mt.Type)
		if c.MoteTypeFactory == nil {
			return fmt.Errorf("%w: motetype %q: no factory registered", kernelerr.ErrConfigError, tag)
		}
		moteType, err := c.MoteTypeFactory(tag, mt.Inner)
		if err != nil {
			return fmt.Errorf("%w: motetype %q: %v", kernelerr.ErrConfigError, tag, err)
		}
		if err := k.AddMoteType(moteType); err != nil {
			return fmt.Errorf("%w: motetype %q: %v", kernelerr.ErrConfigError, moteType.ID(), err)
		}
		registeredTypes[moteType.ID()] = true
	}

	for _, mx := range sim.Motes {
		fields, err := parseMoteFields(mx.Inner)
		if err != nil {
			return fmt.Errorf("%w: mote: %v", kernelerr.ErrConfigError, err)
		}
		if fields.MoteTypeID == "" {
			return fmt.Errorf("%w: mote missing motetype_identifier", kernelerr.ErrConfigError)
		}
		if !registeredTypes[fields.MoteTypeID] {
			return fmt.Errorf("%w: mote references unknown mote type %q", kernelerr.ErrConfigError, fields.MoteTypeID)
		}
		if c.MoteFactory == nil {
			return fmt.Errorf("%w: mote: no factory registered", kernelerr.ErrConfigError)
		}
		m, err := c.MoteFactory(fields.MoteTypeID, mx.Inner)
		if err != nil {
			return fmt.Errorf("%w: mote: %v", kernelerr.ErrConfigError, err)
		}
		if err := k.AddMote(m); err != nil {
			if errors.Is(err, kernelerr.ErrDuplicateMoteID) {
				c.logger().Warn(context.Background(), "dropping duplicate mote id on load", logging.String("mote_id", m.ID()))
				continue
			}
			return err
		}
	}

	if rm := k.GetRadioMedium(); rm != nil {
		rm.LoadFinished()
	}
	k.DrainPendingSetup()
	return nil
}

func (c *Codec) applySpeedLimit(k *kernel.SimulationKernel, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if raw == "null" {
		k.SetSpeedLimit(nil)
		return nil
	}
	ratio, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%w: speedlimit %q: %v", kernelerr.ErrConfigError, raw, err)
	}
	k.SetSpeedLimit(&ratio)
	return nil
}

func (c *Codec) applyRandomSeed(k *kernel.SimulationKernel, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "generated" {
		return nil
	}
	seed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: randomseed %q: %v", kernelerr.ErrConfigError, raw, err)
	}
	k.SetRandomSeed(seed)
	return nil
}

func (c *Codec) logger() logging.Logger {
	if c.Logger == nil {
		return logging.Noop()
	}
	return c.Logger
}

// Encode writes k's current state as a simconf document. Every registered
// mote, mote type and radio medium must implement RawCollaborator; Encode
// fails otherwise, since the codec has no way to reconstruct their original
// element content. Encode always emits motedelay_us (never the legacy
// motedelay) and the new namespace prefix, and preserves mote/mote-type
// registration order.
func (c *Codec) Encode(w io.Writer, k *kernel.SimulationKernel) error {
	var doc simconfXML
	sim := &doc.Simulation
	sim.Title = k.Title()

	if ratio, limited := k.SpeedRatio(); limited {
		sim.SpeedLimit = strconv.FormatFloat(ratio, 'f', -1, 64)
	} else {
		sim.SpeedLimit = "null"
	}

	seed, auto := k.Seed()
	if auto {
		sim.RandomSeed = "generated"
	} else {
		sim.RandomSeed = strconv.FormatInt(seed, 10)
	}

	delay := k.MaxStartupDelay()
	sim.MoteDelayUs = &delay

	sim.Events = &rawXML{Inner: c.lastEventsXML}

	if rm := k.GetRadioMedium(); rm != nil {
		raw, ok := rm.(RawCollaborator)
		if !ok {
			return fmt.Errorf("radiomedium does not implement RawCollaborator: cannot encode")
		}
		sim.RadioMedium = &collaboratorXML{Type: raw.TypeTag(), Inner: raw.RawXML()}
	}

	for _, mt := range k.GetMoteTypes() {
		raw, ok := mt.(RawCollaborator)
		if !ok {
			return fmt.Errorf("mote type %q does not implement RawCollaborator: cannot encode", mt.ID())
		}
		sim.MoteTypes = append(sim.MoteTypes, collaboratorXML{Type: raw.TypeTag(), Inner: raw.RawXML()})
	}

	for _, m := range k.GetMotes() {
		raw, ok := m.(RawCollaborator)
		if !ok {
			return fmt.Errorf("mote %q does not implement RawCollaborator: cannot encode", m.ID())
		}
		sim.Motes = append(sim.Motes, moteXML{Inner: raw.RawXML()})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if _, err := w.Write(out); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n"))
	return err
}

func rewriteLegacyNamespace(tag string) string {
	if strings.HasPrefix(tag, legacyNamespacePrefix) {
		return currentNamespacePrefix + strings.TrimPrefix(tag, legacyNamespacePrefix)
	}
	return tag
}

func parseMoteFields(inner []byte) (moteFieldsXML, error) {
	var fields moteFieldsXML
	wrapped := make([]byte, 0, len(inner)+13)
	wrapped = append(wrapped, []byte("<mote>")...)
	wrapped = append(wrapped, inner...)
	wrapped = append(wrapped, []byte("</mote>")...)
	if err := xml.Unmarshal(wrapped, &fields); err != nil {
		return fields, err
	}
	return fields, nil
}
