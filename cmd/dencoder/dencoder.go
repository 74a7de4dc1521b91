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

// Dencoder is a tool for decoding, encoding and inspecting cluster
// structures in their wire form.
package main

import (
	"flag"
	"fmt"
	"os"

	"lab.nexedi.com/kirr/go123/prog"

	"lab.nexedi.com/kirr/gorados/dencoder"
)

func usage() {
	w := os.Stderr
	fmt.Fprintf(w,
`Dencoder decodes, encodes and inspects cluster structures.

Usage:

	dencoder command [argument] command ...

Commands are applied left to right over one session:

	type <name>         select type to work with
	import <file|->     read binary data from file, or stdin for -
	decode              decode binary data into an object
	encode              encode the object back to binary
	dump_json           print the object as JSON
	export <file>       write binary data to file
	hexdump             print binary data as a hex dump
	set_features <n>    set the feature mask (hex or decimal)
	get_features        print the feature mask
	list_types          list registered types

Examples:

	dencoder type pg_pool_t import pool.bin decode dump_json
	dencoder type MonMap set_features 0x2040 import monmap.bin decode dump_json
	dencoder list_types
`)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	argv := flag.Args()

	if len(argv) == 0 {
		usage()
		prog.Exit(2)
	}

	err := dencoder.Main(argv)
	if err != nil {
		prog.Fatal(err)
	}
}
