// Copyright (C) 2024-2025  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

// Package dencoder decodes, encodes and inspects cluster structures in
// their wire form.
//
// It is the engine behind cmd/dencoder: a registry of known structures
// plus a session that commands operate on left to right. A session
// holds the selected type, the current byte buffer, the decoded object
// and the feature mask used for both directions of the codec.
package dencoder

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/gorados/cephmap"
	"lab.nexedi.com/kirr/gorados/cephx"
	"lab.nexedi.com/kirr/gorados/denc"
)

// TypeInfo describes one structure registered with the tool.
type TypeInfo struct {
	Name    string
	Summary string

	// New returns a fresh object to decode into.
	New func() denc.Value

	// Dump returns the JSON view of v. nil means v marshals itself.
	Dump func(v denc.Value) interface{}
}

// typeTab is the registry. NOTE the order here is the order list_types
// prints; simple scalar structures come before the maps built from them.
var typeTab = []*TypeInfo{
	{"utime_t", "wall-clock timestamp", func() denc.Value { return &denc.Utime{} }, nil},
	{"uuid_d", "cluster or entity uuid", func() denc.Value { return &denc.UUID{} }, nil},
	{"eversion_t", "event version", func() denc.Value { return &denc.EVersion{} }, nil},
	{"pg_t", "placement group id", func() denc.Value { return &denc.PgId{} }, nil},
	{"entity_name_t", "entity kind + instance number", func() denc.Value { return &denc.EntityName{} }, nil},
	{"entity_addr_t", "entity address", func() denc.Value { return &denc.EntityAddr{} }, nil},
	{"entity_addrvec_t", "entity address vector", func() denc.Value { return &denc.EntityAddrVec{} }, nil},
	{"osd_info_t", "per-osd liveness record", func() denc.Value { return &cephmap.OsdInfo{} }, dumpOsdInfo},
	{"osd_xinfo_t", "extended per-osd record", func() denc.Value { return &cephmap.OsdXInfo{} }, nil},
	{"pool_snap_info_t", "pool snapshot info", func() denc.Value { return &cephmap.PoolSnapInfo{} }, nil},
	{"pg_merge_meta_t", "pg merge metadata", func() denc.Value { return &cephmap.PgMergeMeta{} }, nil},
	{"object_locator_t", "object placement locator", func() denc.Value { return &denc.ObjectLocator{} }, nil},
	{"hobject_t", "hashed object id", func() denc.Value { return &denc.HObject{} }, nil},
	{"pg_pool_t", "pool configuration", func() denc.Value { return &cephmap.PgPool{} }, nil},
	{"CryptoKey", "cephx key material", func() denc.Value { return &cephx.Secret{} }, dumpCryptoKey},
	{"CephXTicketBlob", "sealed cephx ticket", func() denc.Value { return &cephx.TicketBlob{} }, dumpTicketBlob},
	{"mon_info_t", "monitor membership record", func() denc.Value { return &cephmap.MonInfo{} }, dumpMonInfo},
	{"MonMap", "monitor cluster map", func() denc.Value { return &cephmap.MonMap{} }, dumpMonMap},
	{"OSDMap", "osd cluster map", func() denc.Value { return &cephmap.OSDMap{} }, dumpOSDMap},
	{"OSDMap::Incremental", "osd map delta", func() denc.Value { return cephmap.NewIncremental(0) }, dumpIncremental},
}

var typeMap = map[string]*TypeInfo{}

func init() {
	for _, t := range typeTab {
		typeMap[t.Name] = t
	}
	// historic aliases
	typeMap["pg_id"] = typeMap["pg_t"]
}

// Lookup returns the registered type with the given name, or nil.
func Lookup(name string) *TypeInfo {
	return typeMap[name]
}

// Session is the mutable state a command pipeline operates on.
type Session struct {
	Out io.Writer // command output; os.Stdout in the tool
	In  io.Reader // source for `import -`; os.Stdin in the tool

	typ      *TypeInfo
	features denc.Features
	data     []byte     // current byte buffer
	obj      denc.Value // current decoded object
}

// NewSession returns a session wired to the process streams.
func NewSession() *Session {
	return &Session{Out: os.Stdout, In: os.Stdin}
}

// Type selects the structure to work with. The previously decoded
// object, if any, is discarded since it is of another type.
func (s *Session) Type(name string) error {
	t := Lookup(name)
	if t == nil {
		return errors.Errorf("unknown type %q; use list_types to see available types", name)
	}
	if s.typ != t {
		s.obj = nil
	}
	s.typ = t
	fmt.Fprintf(s.Out, "Selected type: %s\n", name)
	return nil
}

// Import reads the byte buffer from a file, or from In for "-".
func (s *Session) Import(file string) error {
	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(s.In)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return err
	}
	s.data = data
	fmt.Fprintf(s.Out, "Imported %d bytes from %s\n", len(data), file)
	return nil
}

// Decode decodes the byte buffer into an object of the selected type.
func (s *Session) Decode() error {
	if s.typ == nil {
		return errors.New("no type selected; use `type <name>` first")
	}
	if s.data == nil {
		return errors.New("no data loaded; use `import <file>` first")
	}
	obj := s.typ.New()
	n, err := denc.Decode(obj, s.features, s.data)
	if err != nil {
		return errors.WithMessagef(err, "decode %s", s.typ.Name)
	}
	s.obj = obj
	fmt.Fprintf(s.Out, "Decoded successfully (%d bytes consumed, %d bytes remaining)\n",
		n, len(s.data)-n)
	return nil
}

// Encode encodes the object back into the byte buffer.
func (s *Session) Encode() error {
	if s.typ == nil {
		return errors.New("no type selected; use `type <name>` first")
	}
	if s.obj == nil {
		return errors.New("nothing decoded yet; use `decode` first")
	}
	s.data = denc.Encode(s.obj, s.features)
	fmt.Fprintf(s.Out, "Encoded successfully (%d bytes)\n", len(s.data))
	return nil
}

// DumpJSON prints the object as indented JSON.
func (s *Session) DumpJSON() error {
	if s.obj == nil {
		return errors.New("nothing decoded yet; use `decode` first")
	}
	v := interface{}(s.obj)
	if s.typ.Dump != nil {
		v = s.typ.Dump(s.obj)
	}
	out, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return errors.WithMessagef(err, "dump %s", s.typ.Name)
	}
	fmt.Fprintf(s.Out, "%s\n", out)
	return nil
}

// Export writes the byte buffer to a file.
func (s *Session) Export(file string) error {
	if s.data == nil {
		return errors.New("no data loaded; use `import <file>` first")
	}
	err := os.WriteFile(file, s.data, 0666)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.Out, "Exported %d bytes to %s\n", len(s.data), file)
	return nil
}

// Hexdump prints the byte buffer as a canonical hex dump.
func (s *Session) Hexdump() error {
	if s.data == nil {
		return errors.New("no data loaded; use `import <file>` first")
	}
	fmt.Fprintf(s.Out, "Hex dump (%d bytes):\n", len(s.data))
	io.WriteString(s.Out, hex.Dump(s.data))
	return nil
}

// SetFeatures sets the feature mask; hex with 0x prefix or decimal.
func (s *Session) SetFeatures(str string) error {
	f, err := strconv.ParseUint(str, 0, 64)
	if err != nil {
		return errors.Errorf("invalid features %q", str)
	}
	s.features = denc.Features(f)
	fmt.Fprintf(s.Out, "Set features to 0x%x\n", f)
	return nil
}

// GetFeatures prints the current feature mask.
func (s *Session) GetFeatures() error {
	fmt.Fprintf(s.Out, "Current features: 0x%x (%d)\n", uint64(s.features), uint64(s.features))
	return nil
}

// ListTypes prints the registry.
func (s *Session) ListTypes() error {
	fmt.Fprintf(s.Out, "Available types:\n")
	for _, t := range typeTab {
		fmt.Fprintf(s.Out, "  %-20s %s\n", t.Name, t.Summary)
	}
	return nil
}

// argNeed tells how many arguments each command consumes.
var argNeed = map[string]int{
	"type":         1,
	"import":       1,
	"export":       1,
	"set_features": 1,
}

// Do applies one command to the session.
func (s *Session) Do(cmd string, args []string) error {
	if argNeed[cmd] > len(args) {
		return errors.Errorf("missing argument for %q", cmd)
	}
	switch cmd {
	case "type":
		return s.Type(args[0])
	case "import":
		return s.Import(args[0])
	case "decode":
		return s.Decode()
	case "encode":
		return s.Encode()
	case "dump_json":
		return s.DumpJSON()
	case "export":
		return s.Export(args[0])
	case "hexdump":
		return s.Hexdump()
	case "set_features":
		return s.SetFeatures(args[0])
	case "get_features":
		return s.GetFeatures()
	case "list_types":
		return s.ListTypes()
	}
	return errors.Errorf("unknown command %q", cmd)
}

// Main applies argv as a command pipeline, left to right, over one
// fresh session. The first failing command aborts the pipeline.
func Main(argv []string) error {
	s := NewSession()
	for i := 0; i < len(argv); {
		cmd := argv[i]
		n := argNeed[cmd]
		if i+n >= len(argv) && n > 0 {
			return errors.Errorf("missing argument for %q", cmd)
		}
		err := s.Do(cmd, argv[i+1:i+1+n])
		if err != nil {
			return err
		}
		i += 1 + n
	}
	return nil
}
