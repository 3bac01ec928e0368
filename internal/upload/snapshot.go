package upload

import (
	"time"

	"newsup/internal/article"
)

// ArticleInfo is a read-only view of a queued article.
type ArticleInfo struct {
	Seq        uint64    `json:"seq"`
	MessageID  string    `json:"message_id"`
	Subject    string    `json:"subject,omitempty"`
	File       string    `json:"file,omitempty"`
	Part       int       `json:"part,omitempty"`
	TotalParts int       `json:"total_parts,omitempty"`
	Size       int       `json:"size"`
	State      string    `json:"state"`
	PostTries  int       `json:"post_tries"`
	CheckTries int       `json:"check_tries"`
	FireAt     time.Time `json:"fire_at,omitempty"`
}

// Called with the owning queue's lock held.
func infoOf(a *article.Article, fireAt time.Time) ArticleInfo {
	info := ArticleInfo{
		Seq:        a.Seq,
		MessageID:  a.MessageID,
		Subject:    a.Headers.Get("Subject"),
		Part:       a.Part,
		TotalParts: a.TotalParts,
		Size:       a.Size,
		State:      a.State.String(),
		PostTries:  a.PostTries,
		CheckTries: a.CheckTries,
		FireAt:     fireAt,
	}
	if a.File != nil {
		info.File = a.File.Name
	}
	return info
}

type Snapshot struct {
	PostQueue     int             `json:"post_queue"`
	PostQueueCap  int             `json:"post_queue_cap"`
	CheckReady    int             `json:"check_ready"`
	CheckReadyCap int             `json:"check_ready_cap"`
	CheckPending  int             `json:"check_pending"`
	InFlight      int             `json:"in_flight"`
	ErrorCount    int             `json:"error_count"`
	Aborted       string          `json:"aborted,omitempty"`
	Counters      CounterSnapshot `json:"counters"`
	Slots         []SlotSnapshot  `json:"slots"`
}

// Snapshot is safe to call at any time, including during Run.
func (s *Scheduler) Snapshot() Snapshot {
	ready := s.checkQ.Ready()
	snap := Snapshot{
		PostQueue:     s.postQ.Len(),
		PostQueueCap:  s.postQ.Cap(),
		CheckReady:    ready.Len(),
		CheckReadyCap: ready.Cap(),
		CheckPending:  s.checkQ.Len(),
		Counters:      s.counters.Snapshot(),
	}
	s.mu.Lock()
	snap.InFlight = s.inFlight
	snap.ErrorCount = s.errCount
	if s.abortErr != nil {
		snap.Aborted = s.abortErr.Error()
	}
	s.mu.Unlock()

	for _, sl := range s.postSlots {
		snap.Slots = append(snap.Slots, sl.Snapshot())
	}
	for _, sl := range s.checkSlots {
		snap.Slots = append(snap.Slots, sl.Snapshot())
	}
	return snap
}

// PostQueueItems lists the post queue, front first.
func (s *Scheduler) PostQueueItems() []ArticleInfo {
	out := []ArticleInfo{}
	s.postQ.Range(func(a *article.Article) bool {
		out = append(out, infoOf(a, time.Time{}))
		return true
	})
	return out
}

// CheckQueueItems lists ready checks (zero FireAt) and then buffered ones.
func (s *Scheduler) CheckQueueItems() []ArticleInfo {
	out := []ArticleInfo{}
	s.checkQ.Range(func(a *article.Article, at time.Time) bool {
		out = append(out, infoOf(a, at))
		return true
	})
	return out
}

// LookupCheck finds a pending check by message-id (with or without brackets).
func (s *Scheduler) LookupCheck(messageID string) (ArticleInfo, bool) {
	if n := len(messageID); n >= 2 && messageID[0] == '<' && messageID[n-1] == '>' {
		messageID = messageID[1 : n-1]
	}
	var (
		info ArticleInfo
		ok   bool
	)
	s.checkQ.Range(func(a *article.Article, at time.Time) bool {
		if a.MessageID == messageID {
			info, ok = infoOf(a, at), true
			return false
		}
		return true
	})
	return info, ok
}
