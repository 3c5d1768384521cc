package workflow

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// graphSignature computes a stable hash over the workflow topology: executor
// IDs, edge groups (kind, sources, targets in declared order) and the start
// executor. Builder operations that commute produce the same signature;
// renaming an executor, changing an edge endpoint or a group kind changes it.
//
// Resume compares this hash against the one stored in the checkpoint and
// refuses to load on mismatch.
func graphSignature(executorIDs []string, groups []*EdgeGroup, startID string) string {
	ids := append([]string(nil), executorIDs...)
	sort.Strings(ids)

	descriptors := make([]string, 0, len(groups))
	for _, g := range groups {
		descriptors = append(descriptors, fmt.Sprintf("%s|%s->%s",
			g.Kind, strings.Join(g.SourceIDs, ","), strings.Join(g.TargetIDs, ",")))
	}
	sort.Strings(descriptors)

	h := blake3.New()
	for _, id := range ids {
		h.Write([]byte("executor:" + id + "\n"))
	}
	for _, d := range descriptors {
		h.Write([]byte("group:" + d + "\n"))
	}
	h.Write([]byte("start:" + startID + "\n"))
	return hex.EncodeToString(h.Sum(nil))
}
