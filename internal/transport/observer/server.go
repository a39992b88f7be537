// Package observer streams recorded states to read-only WS clients.
// Observers never influence the run; they only poll the sequence's
// published prefix.
package observer

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gridworld.ai/internal/observerproto"
	"gridworld.ai/internal/sim/hospital"
)

// pollInterval bounds how stale an observer's view of the published
// prefix can get.
const pollInterval = 50 * time.Millisecond

type Server struct {
	seq *hospital.Sequence
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(seq *hospital.Sequence, logger *log.Logger) *Server {
	return &Server{
		seq: seq,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		lv := s.seq.Level()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			LevelName:       lv.Name,
			NumStates:       int64(s.seq.NumStates()),
			Level:           levelParams(lv),
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		s.log.Printf("observer %s connected from %s", sid, r.RemoteAddr)

		// Detect the client going away; no further messages are
		// expected after SUBSCRIBE.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			_ = conn.SetReadDeadline(time.Time{})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		next := sub.FromIndex
		if next < 0 {
			next = 0
		}
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			published := int64(s.seq.NumStates())
			for ; next < published; next++ {
				b, err := json.Marshal(s.stateMsg(next))
				if err != nil {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					s.log.Printf("observer %s write failed: %v", sid, err)
					return
				}
			}
			select {
			case <-closed:
				s.log.Printf("observer %s disconnected", sid)
				return
			case <-ticker.C:
			}
		}
	}
}

func (s *Server) stateMsg(i int64) observerproto.StateMsg {
	lv := s.seq.Level()
	st := s.seq.State(int(i))
	msg := observerproto.StateMsg{
		Type:            "STATE",
		ProtocolVersion: observerproto.Version,
		Index:           i,
		TimeNS:          s.seq.StateTime(int(i)),
		Agents:          make([]observerproto.Entity, lv.NumAgents),
		Boxes:           make([]observerproto.Entity, lv.NumBoxes),
	}
	for a := 0; a < lv.NumAgents; a++ {
		msg.Agents[a] = observerproto.Entity{
			Symbol: string(rune('0' + a)),
			Color:  lv.AgentColors[a].String(),
			Row:    int(st.AgentRows[a]),
			Col:    int(st.AgentCols[a]),
		}
	}
	for b := 0; b < lv.NumBoxes; b++ {
		letter := lv.BoxLetters[b]
		msg.Boxes[b] = observerproto.Entity{
			Symbol: string(rune('A' + letter)),
			Color:  lv.BoxColors[letter].String(),
			Row:    int(st.BoxRows[b]),
			Col:    int(st.BoxCols[b]),
		}
	}
	return msg
}

func levelParams(lv *hospital.Level) observerproto.LevelParams {
	p := observerproto.LevelParams{
		NumRows:    int(lv.NumRows),
		NumCols:    int(lv.NumCols),
		NumAgents:  lv.NumAgents,
		Walls:      make([]string, lv.NumRows),
		AgentGoals: []observerproto.Goal{},
		BoxGoals:   []observerproto.Goal{},
	}
	row := make([]byte, lv.NumCols)
	for r := int16(0); r < lv.NumRows; r++ {
		for c := int16(0); c < lv.NumCols; c++ {
			if lv.WallAt(r, c) {
				row[c] = '+'
			} else {
				row[c] = ' '
			}
		}
		p.Walls[r] = string(row)
	}
	for a := 0; a < lv.NumAgents; a++ {
		if lv.AgentGoalRows[a] < 0 {
			continue
		}
		p.AgentGoals = append(p.AgentGoals, observerproto.Goal{
			Symbol: string(rune('0' + a)),
			Row:    int(lv.AgentGoalRows[a]),
			Col:    int(lv.AgentGoalCols[a]),
		})
	}
	for g := 0; g < lv.NumBoxGoals; g++ {
		p.BoxGoals = append(p.BoxGoals, observerproto.Goal{
			Symbol: string(rune('A' + lv.BoxGoalLetters[g])),
			Row:    int(lv.BoxGoalRows[g]),
			Col:    int(lv.BoxGoalCols[g]),
		})
	}
	return p
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
