package hub

import (
	"strconv"
	"strings"

	"github.com/vigilcam/vigil/pkg/api"
	"github.com/vigilcam/vigil/pkg/auth"
	"github.com/vigilcam/vigil/pkg/storage"
)

// Timestamps follow the dashboard's expectation: millisecond UTC.
const timestampFormat = "2006-01-02T15:04:05.000Z"

// historyKeyLocked maps a slot id to its durable history key. Cameras
// that announce a device id keep their history across reconnects even
// when they land on a different slot.
func (h *Hub) historyKeyLocked(senderId string) string {
	if key := h.historyKeys[senderId]; key != "" {
		return key
	}
	return senderId
}

// historyLocked returns the cached history of a sender, loading it from
// the store on first touch. A failing store degrades to an empty,
// memory-only history.
func (h *Hub) historyLocked(senderId string) []api.CommandEntry {
	key := h.historyKeyLocked(senderId)
	if entries, ok := h.history[key]; ok {
		return entries
	}
	rows, err := h.store.List(key)
	if err != nil {
		h.log.Warn().Err(err).Str("key", key).Msg("Command history load failed")
	}
	entries := make([]api.CommandEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, api.CommandEntry{
			Id: r.Id, User: r.User, UserUsername: r.UserUsername,
			UserRole: r.UserRole, Text: r.Text, Timestamp: r.Timestamp,
		})
	}
	h.history[key] = entries
	return entries
}

// enrichEntry fills the username and role of legacy rows that predate
// those columns, so clients always see a complete entry.
func (h *Hub) enrichEntry(e api.CommandEntry) api.CommandEntry {
	if e.UserUsername == "" {
		e.UserUsername = e.User
	}
	if e.UserRole == "" && e.UserUsername != "" {
		if role, err := h.store.FindRoleByUsername(e.UserUsername); err == nil {
			e.UserRole = role
		}
	}
	return e
}

func (h *Hub) enrichAll(entries []api.CommandEntry) []api.CommandEntry {
	out := make([]api.CommandEntry, len(entries))
	for i, e := range entries {
		out[i] = h.enrichEntry(e)
	}
	return out
}

// handleCommand persists an operator instruction, broadcasts the
// enriched entry to everyone, and forwards the raw command text to the
// target camera. Anonymous viewers cannot command.
func (h *Hub) handleCommand(v *Viewer, senderId, rawText string) {
	session := v.session
	if session == nil {
		return
	}
	text := strings.TrimSpace(rawText)
	if text == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.senders[senderId]
	if s == nil {
		return
	}
	key := h.historyKeyLocked(senderId)
	createdAt := h.now().UTC().Format(timestampFormat)
	// The wall clock id stands in when the store cannot hand out one.
	entryId := strconv.FormatInt(h.now().UnixMilli(), 10)
	id, err := h.store.Insert(key, storage.Entry{
		User: session.DisplayName(), UserUsername: session.Username,
		UserRole: session.Role, Text: text, Timestamp: createdAt,
	})
	if err != nil {
		v.log.Warn().Err(err).Msg("Command persist failed, memory-only entry")
	} else if id != "" {
		entryId = id
	}
	entry := api.CommandEntry{
		Id: entryId, User: session.DisplayName(), UserUsername: session.Username,
		UserRole: session.Role, Text: text, Timestamp: createdAt,
	}
	h.history[key] = append(h.historyLocked(senderId), entry)

	payload := api.NewCommandEntry(senderId, h.enrichEntry(entry))
	for _, other := range h.viewers {
		other.sock.Write(payload)
	}
	s.sock.Write(payload)
	s.sock.Write(api.Command(senderId, text))
	metrics.commands.Inc()
}

// handleDeleteCommand removes one history entry if the caller's role
// allows it: admins delete anything, managers delete their own entries
// and those of known non-admin users, everyone else only their own.
func (h *Hub) handleDeleteCommand(v *Viewer, senderId, rawId string) {
	session := v.session
	if session == nil {
		return
	}
	id := strings.TrimSpace(rawId)
	if id == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	key := h.historyKeyLocked(senderId)
	history := h.historyLocked(senderId)
	var target *api.CommandEntry
	for i := range history {
		if history[i].Id == id {
			target = &history[i]
			break
		}
	}
	if target == nil {
		return
	}

	lookupUsername := target.UserUsername
	if lookupUsername == "" {
		lookupUsername = target.User
	}
	isOwner := (lookupUsername != "" && lookupUsername == session.Username) ||
		target.User == session.Username ||
		target.User == session.DisplayName()

	switch session.Role {
	case auth.RoleAdmin:
	case auth.RoleManager:
		targetRole := target.UserRole
		if targetRole == "" && lookupUsername != "" {
			if role, err := h.store.FindRoleByUsername(lookupUsername); err == nil {
				targetRole = role
			}
		}
		if !isOwner && targetRole == auth.RoleAdmin {
			return
		}
		// An unknown author could be anyone, managers must not guess.
		if !isOwner && targetRole == "" {
			return
		}
	default:
		if !isOwner {
			return
		}
	}

	if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > 0 {
		if err := h.store.Delete(key, id); err != nil {
			v.log.Warn().Err(err).Str("id", id).Msg("Command delete failed")
		}
	}
	next := make([]api.CommandEntry, 0, len(history)-1)
	for _, e := range history {
		if e.Id != id {
			next = append(next, e)
		}
	}
	h.history[key] = next

	payload := api.CommandHistory(senderId, h.enrichAll(next))
	for _, other := range h.viewers {
		other.sock.Write(payload)
	}
	if s := h.senders[senderId]; s != nil {
		s.sock.Write(payload)
	}
}
