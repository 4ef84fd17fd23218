// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package compression provides GZIP compression of rendered message units.

The file drop backend uses it to store delivered envelopes compressed:

	c := compression.NewCompressor()
	compressed, err := c.Compress(envelope)

Readers detect compressed files by their magic number:

	if compression.IsCompressed(data) {
	    data, err = c.Decompress(data)
	}

# References

  - GZIP RFC 1952: https://datatracker.ietf.org/doc/html/rfc1952
*/
package compression
