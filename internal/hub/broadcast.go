package hub

import (
	"encoding/json"
	"log"

	"github.com/ernie/imuhub/internal/domain"
	"github.com/ernie/imuhub/internal/registry"
)

func encode(msg any) ([]byte, bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Error marshaling outbound message: %v", err)
		return nil, false
	}
	return data, true
}

// sendRaw delivers data to c. A failed send marks c dead; it is cleaned up
// by reap once the current event is fully handled, so the rest of a fan-out
// is unaffected.
func (h *Hub) sendRaw(c registry.Conn, data []byte) bool {
	if h.deadSet[c] {
		return false
	}
	if err := c.Send(data); err != nil {
		h.deadSet[c] = true
		h.dead = append(h.dead, c)
		return false
	}
	return true
}

func (h *Hub) send(c registry.Conn, msg any) bool {
	data, ok := encode(msg)
	if !ok {
		return false
	}
	return h.sendRaw(c, data)
}

// seats returns the live connections of m's two participants. Players are
// found by the uids announced in match_start, whatever uid they use now.
func (h *Hub) seats(m *domain.Match) []registry.Conn {
	var conns []registry.Conn
	for _, seat := range []string{m.P1UID, m.P2UID} {
		if c, _, ok := h.reg.LookupSeat(m.ID, seat); ok {
			conns = append(conns, c)
		}
	}
	return conns
}

// broadcastRole sends data to every session with role. Recipients are
// fixed before the first send.
func (h *Hub) broadcastRole(role domain.Role, data []byte) int {
	sent := 0
	for _, e := range h.reg.ListByRole(role) {
		if h.sendRaw(e.Conn, data) {
			sent++
		}
	}
	return sent
}

// notifyMatch sends msg to the given participants and every ue listener,
// then hands it to the publisher. Participants are resolved by the caller
// because a finished match no longer has seated sessions.
func (h *Hub) notifyMatch(players []registry.Conn, msgType string, msg any) {
	data, ok := encode(msg)
	if !ok {
		return
	}
	for _, c := range players {
		h.sendRaw(c, data)
	}
	h.broadcastRole(domain.RoleUE, data)
	h.publisher.Publish(msgType, data)
}

// reap disconnects every connection that failed a send. Cleanup can send
// more messages and find more dead peers, so it loops until none remain.
func (h *Hub) reap() {
	for len(h.dead) > 0 {
		c := h.dead[0]
		h.dead = h.dead[1:]
		if s, ok := h.reg.LookupByConn(c); ok {
			log.Printf("Dropping unresponsive client %s (%s)", s.UID, s.Remote)
		}
		h.disconnect(c)
	}
	clear(h.deadSet)
}
