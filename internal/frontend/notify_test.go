package frontend

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opentrade-go/internal/marketdata"
	"opentrade-go/pkg/otype"
)

func newTestHub(t *testing.T) *hub {
	t.Helper()
	return newHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// addTestSession registers a bare session directly into the hub's
// session map, bypassing newSession's real-websocket requirement —
// hub/session plumbing beyond the conn (subscription sets, the send
// channel, push filtering) works identically without one.
func addTestSession(h *hub, user *otype.User) *session {
	s := &session{
		hub:     h,
		send:    make(chan []byte, 16),
		subSecs: make(map[int32]bool),
		subPnl:  make(map[int32]bool),
		user:    user,
	}
	h.sessions[s] = true
	return s
}

func TestHubNotifyPushesToSubscribedSecurity(t *testing.T) {
	h := newTestHub(t)
	md := marketdata.NewStore()
	h.SetMarketData(md)
	md.OnTrade("SIM", 1, 100.0, 5, time.Time{})

	s := addTestSession(h, &otype.User{AccountBase: otype.AccountBase{ID: 1}})
	s.setSecSub(1, true)

	h.Notify("SIM", 1)

	select {
	case payload := <-s.send:
		var arr []json.RawMessage
		require.NoError(t, json.Unmarshal(payload, &arr))
		var tag string
		require.NoError(t, json.Unmarshal(arr[0], &tag))
		require.Equal(t, "md", tag)
	default:
		t.Fatal("expected a push to the subscribed session")
	}
}

func TestHubNotifySkipsUnsubscribedSecurity(t *testing.T) {
	h := newTestHub(t)
	md := marketdata.NewStore()
	h.SetMarketData(md)
	md.OnTrade("SIM", 1, 100.0, 5, time.Time{})

	s := addTestSession(h, &otype.User{AccountBase: otype.AccountBase{ID: 1}})
	// no subscription set

	h.Notify("SIM", 1)

	select {
	case <-s.send:
		t.Fatal("unsubscribed session should not receive a push")
	default:
	}
}

func TestOnConfirmationPushesToOwner(t *testing.T) {
	h := newTestHub(t)
	owner := &otype.User{AccountBase: otype.AccountBase{ID: 42}}
	other := &otype.User{AccountBase: otype.AccountBase{ID: 43}}

	sOwner := addTestSession(h, owner)
	sOther := addTestSession(h, other)

	sec := &otype.Security{ID: 1, Symbol: "TEST"}
	ord := &otype.Order{Contract: otype.Contract{Sec: sec}, ID: 1, User: owner}
	h.OnConfirmation(&otype.Confirmation{Order: ord, ExecType: otype.New})

	select {
	case <-sOwner.send:
	default:
		t.Fatal("owner should have received the confirmation")
	}
	select {
	case <-sOther.send:
		t.Fatal("non-owner should not have received the confirmation")
	default:
	}
}

func TestOnAlgoEventPushesToOwnerAndAdmin(t *testing.T) {
	h := newTestHub(t)
	owner := &otype.User{AccountBase: otype.AccountBase{ID: 7}}
	admin := &otype.User{AccountBase: otype.AccountBase{ID: 8}, IsAdmin: true}
	stranger := &otype.User{AccountBase: otype.AccountBase{ID: 9}}

	sOwner := addTestSession(h, owner)
	sAdmin := addTestSession(h, admin)
	sStranger := addTestSession(h, stranger)

	h.OnAlgoEvent(1, 100, 7, "running", "pegmaker", json.RawMessage(`{}`))

	for _, s := range []*session{sOwner, sAdmin} {
		select {
		case <-s.send:
		default:
			t.Fatal("owner and admin should both receive the algo event")
		}
	}
	select {
	case <-sStranger.send:
		t.Fatal("stranger should not receive the algo event")
	default:
	}
}
