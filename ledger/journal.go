package ledger

import (
	"fmt"
	"sort"
)

type revision struct {
	id           int
	journalIndex int
}

// journal records undo operations so a group of ledger writes can be reverted.
type journal struct {
	entries        []func()
	validRevisions []revision
	nextRevisionID int
}

// append records undo while a revision is outstanding.
func (j *journal) append(undo func()) {
	if len(j.validRevisions) == 0 {
		return
	}
	j.entries = append(j.entries, undo)
}

func (j *journal) snapshot() int {
	id := j.nextRevisionID
	j.nextRevisionID++
	j.validRevisions = append(j.validRevisions, revision{id: id, journalIndex: len(j.entries)})
	return id
}

func (j *journal) revisionIndex(id int) int {
	idx := sort.Search(len(j.validRevisions), func(i int) bool {
		return j.validRevisions[i].id >= id
	})
	if idx == len(j.validRevisions) || j.validRevisions[idx].id != id {
		panic(fmt.Errorf("revision id %v cannot be reverted", id))
	}
	return idx
}

func (j *journal) revertToSnapshot(id int) {
	idx := j.revisionIndex(id)
	target := j.validRevisions[idx].journalIndex

	for i := len(j.entries) - 1; i >= target; i-- {
		j.entries[i]()
	}
	j.entries = j.entries[:target]
	j.validRevisions = j.validRevisions[:idx]
}

// discard forgets revision id and every later one. Once no revision is
// outstanding the undo log is dropped.
func (j *journal) discard(id int) {
	idx := j.revisionIndex(id)
	j.validRevisions = j.validRevisions[:idx]
	if len(j.validRevisions) == 0 {
		j.entries = nil
	}
}

func (j *journal) outstanding() bool {
	return len(j.validRevisions) > 0
}

func (j *journal) length() int {
	return len(j.entries)
}
