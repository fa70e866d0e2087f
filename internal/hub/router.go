package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/ernie/imuhub/internal/domain"
	"github.com/ernie/imuhub/internal/registry"
)

// ErrCapability is returned when a session's role does not permit an action
var ErrCapability = errors.New("action not permitted for role")

// CapabilityError names the rejected action. Its text is what the client sees.
type CapabilityError struct {
	Msg string
}

func (e *CapabilityError) Error() string { return e.Msg }

func (e *CapabilityError) Unwrap() error { return ErrCapability }

func (h *Hub) connect(c registry.Conn, role domain.Role, uid, name string) {
	at := h.now()
	s := h.reg.Register(c, role, uid, name, at)
	log.Printf("Client connected: uid=%s name=%q role=%s remote=%s (%d total)", s.UID, s.Name, s.Role, s.Remote, h.reg.Count())

	h.send(c, domain.ServerHello{
		Type:     domain.TypeServerHello,
		ServerTS: domain.Epoch(at),
		UID:      s.UID,
		Name:     s.Name,
		Role:     s.Role,
	})

	switch role {
	case domain.RolePhone:
		h.deviceEvent(domain.TypeDeviceConnected, s)
	case domain.RoleUE:
		phones := h.reg.ListByRole(domain.RolePhone)
		devices := make([]domain.Device, 0, len(phones))
		for _, e := range phones {
			devices = append(devices, domain.Device{
				UID:         e.Session.UID,
				Name:        e.Session.Name,
				Remote:      e.Session.Remote,
				ConnectedAt: domain.Epoch(e.Session.ConnectedAt),
				LastSeen:    domain.Epoch(e.Session.LastSeen),
			})
		}
		h.send(c, domain.DeviceList{Type: domain.TypeDeviceList, ServerTS: domain.Epoch(at), Devices: devices})
	}
}

func (h *Hub) deviceEvent(typ string, s *domain.Session) {
	data, ok := encode(domain.DeviceEvent{
		Type:     typ,
		ServerTS: domain.Epoch(h.now()),
		UID:      s.UID,
		Name:     s.Name,
		Role:     s.Role,
		Remote:   s.Remote,
	})
	if !ok {
		return
	}
	h.broadcastRole(domain.RoleUE, data)
	h.publisher.Publish(typ, data)
}

func (h *Hub) disconnect(c registry.Conn) {
	s, ok := h.reg.Unregister(c)
	if !ok {
		return
	}
	if s.InQueue {
		// A newer connection that took over this uid may own the queue entry
		if _, live, ok := h.reg.LookupByUID(s.UID); !ok || !live.InQueue {
			h.queue.Dequeue(s.UID)
		}
		s.InQueue = false
	}
	if s.MatchID != "" {
		if m, ok := h.book.Get(s.MatchID); ok && m.State == domain.MatchRunning {
			h.abortMatch(m.ID, "disconnect:"+s.UID)
		}
		s.MatchID = ""
	}
	if s.Role == domain.RolePhone {
		h.deviceEvent(domain.TypeDeviceDisconnected, s)
	}
	c.Close()
	log.Printf("Client disconnected: uid=%s remote=%s (%d total)", s.UID, s.Remote, h.reg.Count())
}

func (h *Hub) inbound(c registry.Conn, data []byte) {
	s, ok := h.reg.LookupByConn(c)
	if !ok {
		return
	}
	at := h.now()
	h.recvTotal++
	s.Touch(at)

	env := domain.ParseEnvelope(data)
	h.normalizeIdentity(c, s, env)

	matchID := strings.TrimSpace(env.Str("match_id"))
	if matchID == "" {
		matchID = s.MatchID
	}

	payload, err := json.Marshal(env)
	if err != nil {
		payload = json.RawMessage(`{}`)
	}
	h.latest[s.UID] = payload
	h.record(domain.EventRecord{
		At:      at,
		UID:     s.UID,
		Name:    s.Name,
		Role:    s.Role,
		Type:    env.Type,
		MatchID: matchID,
		Payload: payload,
	})

	h.dispatch(c, s, env, matchID, payload)

	if h.recvTotal%h.summaryEvery == 0 {
		h.logSummary()
	}
}

// normalizeIdentity applies a frame's uid and name to the session. The
// session's role never changes, and neither does its seat in a running
// match.
func (h *Hub) normalizeIdentity(c registry.Conn, s *domain.Session, env *domain.Envelope) {
	if uid := domain.SanitizeUID(env.Str("uid"), s.UID); uid != s.UID {
		old := s.UID
		if err := h.reg.Remap(c, uid); err != nil {
			log.Printf("Error remapping %s to %s: %v", old, uid, err)
			return
		}
		if s.InQueue {
			h.queue.Rename(old, uid)
		}
		if p, ok := h.latest[old]; ok {
			h.latest[uid] = p
		}
	}
	if name := domain.TruncateName(env.Str("name")); name != "" {
		s.Name = name
	}
}

func (h *Hub) record(rec domain.EventRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
	defer cancel()
	if err := h.recorder.RecordEvent(ctx, rec); err != nil {
		log.Printf("Error recording event from %s: %v", rec.UID, err)
	}
	for _, o := range h.observers {
		o.ObserveEvent(rec)
	}
}

func (h *Hub) dispatch(c registry.Conn, s *domain.Session, env *domain.Envelope, matchID string, payload json.RawMessage) {
	switch env.Type {
	case domain.TypeHello:
		h.send(c, domain.HelloAck{Type: domain.TypeHelloAck, ServerTS: domain.Epoch(h.now()), UID: s.UID})

	case domain.TypeJoinRequest:
		h.joinRequest(c, s)

	case domain.TypeLeaveQueue, domain.TypeLeave:
		h.leave(c, s)

	case domain.TypeIMU:
		h.relayIMU(s, env)

	case domain.TypeChat:
		h.relayChat(s, env)

	case domain.TypeMatchResult:
		if err := h.matchResult(s, env, payload); err != nil {
			h.sendError(c, err)
		}

	default:
		h.relay(s, env, matchID)
	}
}

func (h *Hub) sendError(c registry.Conn, err error) {
	h.send(c, domain.ErrorMessage{Type: domain.TypeError, ServerTS: domain.Epoch(h.now()), Msg: err.Error()})
}

func (h *Hub) joinRequest(c registry.Conn, s *domain.Session) {
	if s.Role != domain.RolePhone {
		h.sendError(c, &CapabilityError{Msg: "join_request only for phone"})
		return
	}
	if s.MatchID != "" {
		h.send(c, domain.AlreadyInMatch{Type: domain.TypeAlreadyInMatch, ServerTS: domain.Epoch(h.now()), MatchID: s.MatchID})
		return
	}
	h.queue.Enqueue(s.UID)
	h.send(c, domain.QueueStatus{
		Type:     domain.TypeQueueStatus,
		ServerTS: domain.Epoch(h.now()),
		Queued:   true,
		QueueLen: h.queue.Len(),
	})
	h.startMatches()
}

func (h *Hub) startMatches() {
	for _, m := range h.queue.DrainAndPair(h.now()) {
		h.saveMatch(m)
		h.notifyMatch(h.seats(m), domain.TypeMatchStart, domain.MatchStart{
			Type:     domain.TypeMatchStart,
			ServerTS: domain.Epoch(m.StartedAt),
			MatchID:  m.ID,
			Players:  m.Players(),
		})
		log.Printf("Match %s started: %s vs %s", m.ID, m.P1UID, m.P2UID)
	}
}

func (h *Hub) leave(c registry.Conn, s *domain.Session) {
	h.queue.Dequeue(s.UID)
	s.InQueue = false
	if s.MatchID != "" {
		h.abortMatch(s.MatchID, "leave:"+s.UID)
		s.MatchID = ""
		s.Seat = ""
	}
	h.send(c, domain.Left{Type: domain.TypeLeft, ServerTS: domain.Epoch(h.now())})
}

// abortMatch is a no-op for matches that already finished
func (h *Hub) abortMatch(id, reason string) {
	m, ok := h.book.Get(id)
	if !ok {
		return
	}
	players := h.seats(m)
	if _, err := h.book.Abort(id, reason, h.now()); err != nil {
		return
	}
	h.saveMatch(m)
	h.notifyMatch(players, domain.TypeMatchAbort, domain.MatchAbort{
		Type:     domain.TypeMatchAbort,
		ServerTS: domain.Epoch(m.EndedAt),
		MatchID:  m.ID,
		Reason:   reason,
	})
	log.Printf("Match %s aborted: %s", m.ID, reason)
}

func (h *Hub) matchResult(s *domain.Session, env *domain.Envelope, payload json.RawMessage) error {
	if s.Role != domain.RoleUE {
		return &CapabilityError{Msg: "match_result only for ue"}
	}
	result, _ := env.Payload().(*domain.MatchResult)
	id := strings.TrimSpace(result.MatchID)
	var players []registry.Conn
	if m, ok := h.book.Get(id); ok {
		players = h.seats(m)
	}
	m, err := h.book.Resolve(id, strings.TrimSpace(result.WinnerUID), payload, h.now())
	if err != nil {
		return err
	}
	h.saveMatch(m)
	ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
	defer cancel()
	if err := h.recorder.RecordResult(ctx, m); err != nil {
		log.Printf("Error updating stats for match %s: %v", m.ID, err)
	}
	h.notifyMatch(players, domain.TypeMatchEnd, domain.MatchEnd{
		Type:      domain.TypeMatchEnd,
		ServerTS:  domain.Epoch(m.EndedAt),
		MatchID:   m.ID,
		WinnerUID: m.WinnerUID,
		Result:    payload,
	})
	log.Printf("Match %s ended: winner=%s", m.ID, m.WinnerUID)
	return nil
}

func (h *Hub) saveMatch(m *domain.Match) {
	ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
	defer cancel()
	if err := h.recorder.SaveMatch(ctx, m); err != nil {
		log.Printf("Error saving match %s: %v", m.ID, err)
	}
}

func (h *Hub) relayIMU(s *domain.Session, env *domain.Envelope) {
	if s.MatchID != "" {
		env.Set("match_id", s.MatchID)
	}
	if data, ok := encode(env.Retag(domain.TypeIMU)); ok {
		h.broadcastRole(domain.RoleUE, data)
	}
	if s.MatchID == "" {
		return
	}
	m, ok := h.book.Get(s.MatchID)
	if !ok || m.State != domain.MatchRunning {
		return
	}
	if c, _, ok := h.reg.LookupSeat(m.ID, m.Opponent(s.Seat)); ok {
		if data, ok := encode(env.Retag(domain.TypeOpponentIMU)); ok {
			h.sendRaw(c, data)
		}
	}
}

func (h *Hub) relayChat(s *domain.Session, env *domain.Envelope) {
	if s.MatchID == "" {
		return
	}
	m, ok := h.book.Get(s.MatchID)
	if !ok {
		return
	}
	data, ok := encode(env.Retag(domain.TypeChat))
	if !ok {
		return
	}
	for _, c := range h.seats(m) {
		h.sendRaw(c, data)
	}
	h.broadcastRole(domain.RoleUE, data)
}

// relay forwards frames without dedicated handling. Phones reach every ue.
// A ue reaches the players of the match it names, or every phone when the
// match is unknown.
func (h *Hub) relay(s *domain.Session, env *domain.Envelope, matchID string) {
	out := env
	if out.Type == "" {
		out = env.Retag(domain.TypeRelay)
	}
	data, ok := encode(out)
	if !ok {
		return
	}
	if s.Role == domain.RolePhone {
		h.broadcastRole(domain.RoleUE, data)
		return
	}
	if m, ok := h.book.Get(matchID); ok {
		for _, c := range h.seats(m) {
			h.sendRaw(c, data)
		}
		return
	}
	h.broadcastRole(domain.RolePhone, data)
}
