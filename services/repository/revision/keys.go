// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package revision

import (
	"fmt"
	"strconv"
	"strings"
)

// Key layout. Numbers are fixed-width hex so lexical order is numeric order.
//
//	rev/<segment>/<objectID>/<ts>    -> Revision
//	revts/<segment>/<ts>/<objectID>  -> empty (time index)
//	commit/<segment>/<ts>            -> Commit
//	segment/<segment>                -> Segment
//	meta/clock                       -> last issued timestamp
//	meta/segment-seq                 -> last allocated segment id
//
// Documents owned by other packages (branches, merge jobs, reviews) use the
// generic Doc API with their own prefixes.
const (
	prefixRevision   = "rev/"
	prefixRevisionTS = "revts/"
	prefixCommit     = "commit/"
	prefixSegment    = "segment/"
	keyClock         = "meta/clock"
	keySegmentSeq    = "meta/segment-seq"
)

func hex64(v int64) string {
	return fmt.Sprintf("%016x", uint64(v))
}

func parseHex64(s string) (int64, error) {
	u, err := strconv.ParseUint(s, 16, 64)
	return int64(u), err
}

func revisionKey(segment int64, objectID string, ts int64) []byte {
	return []byte(prefixRevision + hex64(segment) + "/" + objectID + "/" + hex64(ts))
}

func revisionObjectPrefix(segment int64, objectID string) []byte {
	return []byte(prefixRevision + hex64(segment) + "/" + objectID + "/")
}

func revisionTSKey(segment int64, ts int64, objectID string) []byte {
	return []byte(prefixRevisionTS + hex64(segment) + "/" + hex64(ts) + "/" + objectID)
}

func revisionTSPrefix(segment int64) []byte {
	return []byte(prefixRevisionTS + hex64(segment) + "/")
}

// parseRevisionTSKey returns the timestamp and object id of a time index key.
func parseRevisionTSKey(key []byte) (int64, string, error) {
	parts := strings.SplitN(string(key), "/", 4)
	if len(parts) != 4 {
		return 0, "", fmt.Errorf("malformed revision index key %q", key)
	}
	ts, err := parseHex64(parts[2])
	if err != nil {
		return 0, "", fmt.Errorf("malformed revision index key %q: %w", key, err)
	}
	return ts, parts[3], nil
}

func commitKey(segment, ts int64) []byte {
	return []byte(prefixCommit + hex64(segment) + "/" + hex64(ts))
}

func commitPrefix(segment int64) []byte {
	return []byte(prefixCommit + hex64(segment) + "/")
}

func segmentKey(id int64) []byte {
	return []byte(prefixSegment + hex64(id))
}
