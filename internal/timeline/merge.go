package timeline

import (
	"cmp"
	"slices"
	"time"

	"github.com/matheus3301/heartline/internal/model"
)

// conversation is one cached timeline. All fields are guarded by Store.mu.
type conversation struct {
	id            string
	messages      []model.Message
	syncedThrough time.Time
	revision      uint64

	open   bool
	cancel func()
}

func (c *conversation) indexOf(pred func(m *model.Message) bool) int {
	for i := range c.messages {
		if pred(&c.messages[i]) {
			return i
		}
	}
	return -1
}

func (c *conversation) byID(id string) int {
	return c.indexOf(func(m *model.Message) bool { return m.ID == id })
}

// pendingByClientID finds the unacknowledged local entry for a client id.
func (c *conversation) pendingByClientID(clientID string) int {
	if clientID == "" {
		return -1
	}
	return c.indexOf(func(m *model.Message) bool { return m.LocalOnly && m.ClientID == clientID })
}

// pendingByContent finds the earliest unacknowledged local entry that looks
// like the same send as msg.
func (c *conversation) pendingByContent(msg model.Message) int {
	best := -1
	for i := range c.messages {
		m := &c.messages[i]
		if !m.LocalOnly || m.SenderID != msg.SenderID || !m.SameContent(msg) {
			continue
		}
		if best < 0 || m.CreatedAt.Before(c.messages[best].CreatedAt) {
			best = i
		}
	}
	return best
}

// mergeResult describes what merge did with one incoming message.
type mergeResult struct {
	changed    bool
	replacedID string
	message    model.Message
}

// merge folds one authoritative message into the timeline. It is the single
// reconciliation routine shared by pushes, history pages and send acks:
//
//  1. a message with the same final id is updated (status never regresses);
//  2. otherwise a pending local entry with the same client id is replaced;
//  3. otherwise, for our own messages carrying no client id, the earliest
//     pending entry with equal content is replaced;
//  4. otherwise the message is appended.
//
// The caller re-sorts once per batch.
func (c *conversation) merge(in model.Message, selfID string) mergeResult {
	if i := c.byID(in.ID); i >= 0 {
		updated := refresh(c.messages[i], in)
		res := mergeResult{changed: !equalMessage(updated, c.messages[i]), message: updated}
		c.messages[i] = updated
		// The server copy got in unpaired before the ack; drop the leftover.
		if j := c.pendingByClientID(in.ClientID); j >= 0 {
			res.replacedID = c.messages[j].ID
			res.changed = true
			c.messages = slices.Delete(c.messages, j, j+1)
		}
		return res
	}

	slot := c.pendingByClientID(in.ClientID)
	if slot < 0 && in.ClientID == "" && selfID != "" && in.SenderID == selfID {
		slot = c.pendingByContent(in)
	}
	if slot >= 0 {
		local := c.messages[slot]
		c.messages[slot] = adopt(local, in)
		return mergeResult{changed: true, replacedID: local.ID, message: c.messages[slot]}
	}

	in.LocalOnly = false
	if !in.Status.Valid() {
		in.Status = model.StatusSent
	}
	c.messages = append(c.messages, in)
	return mergeResult{changed: true, message: in}
}

// adopt turns a pending local entry into its server copy, keeping the slot
// and the local fields the server did not send back.
func adopt(local, server model.Message) model.Message {
	out := server
	out.LocalOnly = false
	if out.ClientID == "" {
		out.ClientID = local.ClientID
	}
	if out.ConversationID == "" {
		out.ConversationID = local.ConversationID
	}
	if out.SenderID == "" {
		out.SenderID = local.SenderID
	}
	if out.Kind == "" {
		out.Kind = local.Kind
	}
	if out.Body == "" {
		out.Body = local.Body
	}
	if out.MediaRef == "" {
		out.MediaRef = local.MediaRef
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = local.CreatedAt
	}
	out.Status = model.MaxStatus(model.MaxStatus(local.Status, server.Status), model.StatusSent)
	return out
}

// refresh applies a newer copy of an already confirmed message.
func refresh(cur, in model.Message) model.Message {
	out := cur
	if in.Body != "" {
		out.Body = in.Body
	}
	if in.MediaRef != "" {
		out.MediaRef = in.MediaRef
	}
	if in.Kind != "" {
		out.Kind = in.Kind
	}
	if in.SenderID != "" {
		out.SenderID = in.SenderID
	}
	if in.ClientID != "" && out.ClientID == "" {
		out.ClientID = in.ClientID
	}
	if !in.CreatedAt.IsZero() {
		out.CreatedAt = in.CreatedAt
	}
	if in.Seq != 0 {
		out.Seq = in.Seq
	}
	out.Status = model.MaxStatus(cur.Status, in.Status)
	out.LocalOnly = false
	return out
}

func equalMessage(a, b model.Message) bool {
	return a.ID == b.ID && a.ClientID == b.ClientID && a.ConversationID == b.ConversationID &&
		a.SenderID == b.SenderID && a.Kind == b.Kind && a.Body == b.Body && a.MediaRef == b.MediaRef &&
		a.CreatedAt.Equal(b.CreatedAt) && a.Seq == b.Seq && a.Status == b.Status && a.LocalOnly == b.LocalOnly
}

// sortMessages orders confirmed messages by (server time, seq, id) and puts
// pending local messages after them in creation order.
func sortMessages(msgs []model.Message) {
	slices.SortStableFunc(msgs, func(a, b model.Message) int {
		if a.LocalOnly != b.LocalOnly {
			if a.LocalOnly {
				return 1
			}
			return -1
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.LocalOnly {
			return 0
		}
		if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// newestConfirmed returns the latest server timestamp in msgs.
func newestConfirmed(msgs []model.Message) time.Time {
	var t time.Time
	for _, m := range msgs {
		if !m.LocalOnly && m.CreatedAt.After(t) {
			t = m.CreatedAt
		}
	}
	return t
}
