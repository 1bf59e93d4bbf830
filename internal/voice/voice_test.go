package voice

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []envelope
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) received() []envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]envelope(nil), c.frames...)
}

func (c *fakeConn) countOf(eventType string) int {
	n := 0
	for _, f := range c.received() {
		if f.Type == eventType {
			n++
		}
	}
	return n
}

func (c *fakeConn) last(eventType string) *envelope {
	frames := c.received()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Type == eventType {
			return &frames[i]
		}
	}
	return nil
}

const testRoomKey = "channel:42"

func TestJoinSendsPeerList(t *testing.T) {
	mgr := NewManager()
	connA, connB := &fakeConn{}, &fakeConn{}

	peers, err := mgr.Join(testRoomKey, "alice", "conn-a", "Alice", "", connA)
	require.NoError(t, err)
	assert.Len(t, peers, 1)

	peers, err = mgr.Join(testRoomKey, "bob", "conn-b", "Bob", "", connB)
	require.NoError(t, err)
	assert.Len(t, peers, 2)

	// joiner gets the roster, the peer gets the announcement
	assert.Equal(t, 1, connB.countOf(EventParticipants))
	assert.Equal(t, 1, connA.countOf(EventJoined))
	assert.Equal(t, 0, connB.countOf(EventJoined))

	frame := connA.last(EventJoined)
	var pp PresencePayload
	require.NoError(t, json.Unmarshal(frame.Payload, &pp))
	assert.Equal(t, "bob", pp.User.UserID)
	assert.Len(t, pp.Participants, 2)
}

func TestJoinRequiresIdentity(t *testing.T) {
	mgr := NewManager()
	_, err := mgr.Join("", "alice", "conn-a", "Alice", "", &fakeConn{})
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	_, err = mgr.Join(testRoomKey, "", "conn-a", "Alice", "", &fakeConn{})
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	assert.Equal(t, 0, mgr.SessionCount())
}

func TestRelaySignalIsPointToPoint(t *testing.T) {
	mgr := NewManager()
	connA, connB, connC := &fakeConn{}, &fakeConn{}, &fakeConn{}
	_, err := mgr.Join(testRoomKey, "alice", "conn-a", "Alice", "", connA)
	require.NoError(t, err)
	_, err = mgr.Join(testRoomKey, "bob", "conn-b", "Bob", "", connB)
	require.NoError(t, err)
	_, err = mgr.Join(testRoomKey, "carol", "conn-c", "Carol", "", connC)
	require.NoError(t, err)

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0..."}`)
	err = mgr.RelaySignal("conn-a", SignalPayload{To: "conn-b", SignalType: SignalOffer, Data: sdp})
	require.NoError(t, err)

	// exactly the target, never anyone else
	assert.Equal(t, 1, connB.countOf(EventSignal))
	assert.Equal(t, 0, connA.countOf(EventSignal))
	assert.Equal(t, 0, connC.countOf(EventSignal))

	frame := connB.last(EventSignal)
	var sig SignalPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &sig))
	assert.Equal(t, "conn-a", sig.From, "server stamps the sender")
	assert.Equal(t, SignalOffer, sig.SignalType)
	assert.JSONEq(t, string(sdp), string(sig.Data))

	// answer flows back the same way
	err = mgr.RelaySignal("conn-b", SignalPayload{To: "conn-a", SignalType: SignalAnswer, Data: sdp})
	require.NoError(t, err)
	assert.Equal(t, 1, connA.countOf(EventSignal))

	err = mgr.RelaySignal("conn-a", SignalPayload{To: "conn-c", SignalType: SignalCandidate, Data: json.RawMessage(`{"candidate":"..."}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, connC.countOf(EventSignal))
}

func TestRelaySignalValidation(t *testing.T) {
	mgr := NewManager()
	connA := &fakeConn{}
	_, err := mgr.Join(testRoomKey, "alice", "conn-a", "Alice", "", connA)
	require.NoError(t, err)

	err = mgr.RelaySignal("conn-a", SignalPayload{To: "conn-a", SignalType: "broadcast"})
	assert.ErrorIs(t, err, ErrBadSignalType)

	err = mgr.RelaySignal("conn-a", SignalPayload{To: "conn-ghost", SignalType: SignalOffer})
	assert.ErrorIs(t, err, ErrUnknownTarget)

	err = mgr.RelaySignal("conn-ghost", SignalPayload{To: "conn-a", SignalType: SignalOffer})
	assert.ErrorIs(t, err, ErrNotInVoice)
}

func TestSignalsDoNotCrossRooms(t *testing.T) {
	mgr := NewManager()
	connA, connB := &fakeConn{}, &fakeConn{}
	_, err := mgr.Join("channel:1", "alice", "conn-a", "Alice", "", connA)
	require.NoError(t, err)
	_, err = mgr.Join("channel:2", "bob", "conn-b", "Bob", "", connB)
	require.NoError(t, err)

	err = mgr.RelaySignal("conn-a", SignalPayload{To: "conn-b", SignalType: SignalOffer})
	assert.ErrorIs(t, err, ErrUnknownTarget)
	assert.Equal(t, 0, connB.countOf(EventSignal))
}

func TestMuteFansOutToPeers(t *testing.T) {
	mgr := NewManager()
	connA, connB, connC := &fakeConn{}, &fakeConn{}, &fakeConn{}
	_, err := mgr.Join(testRoomKey, "alice", "conn-a", "Alice", "", connA)
	require.NoError(t, err)
	_, err = mgr.Join(testRoomKey, "bob", "conn-b", "Bob", "", connB)
	require.NoError(t, err)
	_, err = mgr.Join(testRoomKey, "carol", "conn-c", "Carol", "", connC)
	require.NoError(t, err)

	require.NoError(t, mgr.SetMute("conn-a", true))

	assert.Equal(t, 0, connA.countOf(EventMute))
	assert.Equal(t, 1, connB.countOf(EventMute))
	assert.Equal(t, 1, connC.countOf(EventMute))

	frame := connB.last(EventMute)
	var sp StatePayload
	require.NoError(t, json.Unmarshal(frame.Payload, &sp))
	assert.Equal(t, "conn-a", sp.ConnID)
	assert.Equal(t, "alice", sp.UserID)
	assert.True(t, sp.Muted)

	// the flag sticks on the roster
	for _, p := range mgr.Participants(testRoomKey) {
		if p.ConnID == "conn-a" {
			assert.True(t, p.Muted)
		}
	}

	assert.ErrorIs(t, mgr.SetMute("conn-ghost", true), ErrNotInVoice)
}

func TestSpeakingFansOutToPeers(t *testing.T) {
	mgr := NewManager()
	connA, connB := &fakeConn{}, &fakeConn{}
	_, err := mgr.Join(testRoomKey, "alice", "conn-a", "Alice", "", connA)
	require.NoError(t, err)
	_, err = mgr.Join(testRoomKey, "bob", "conn-b", "Bob", "", connB)
	require.NoError(t, err)

	require.NoError(t, mgr.SetSpeaking("conn-b", true))

	frame := connA.last(EventSpeaking)
	require.NotNil(t, frame)
	var sp StatePayload
	require.NoError(t, json.Unmarshal(frame.Payload, &sp))
	assert.Equal(t, "conn-b", sp.ConnID)
	assert.True(t, sp.Speaking)
	assert.Equal(t, 0, connB.countOf(EventSpeaking))
}

func TestLeaveNotifiesPeersAndReapsSession(t *testing.T) {
	mgr := NewManager()
	connA, connB := &fakeConn{}, &fakeConn{}
	_, err := mgr.Join(testRoomKey, "alice", "conn-a", "Alice", "", connA)
	require.NoError(t, err)
	_, err = mgr.Join(testRoomKey, "bob", "conn-b", "Bob", "", connB)
	require.NoError(t, err)
	require.Equal(t, 1, mgr.SessionCount())

	departed := mgr.Leave("conn-a")
	require.NotNil(t, departed)
	assert.Equal(t, "alice", departed.UserID)

	// remaining peer tears down its side of the pair
	frame := connB.last(EventLeft)
	require.NotNil(t, frame)
	var pp PresencePayload
	require.NoError(t, json.Unmarshal(frame.Payload, &pp))
	assert.Equal(t, "conn-a", pp.User.ConnID)
	assert.Len(t, pp.Participants, 1)

	// last one out reaps the session
	assert.NotNil(t, mgr.Leave("conn-b"))
	assert.Equal(t, 0, mgr.SessionCount())
	assert.Nil(t, mgr.Participants(testRoomKey))

	// unknown or repeated leave is a no-op
	assert.Nil(t, mgr.Leave("conn-a"))
}

func TestSignalingAfterLeaveFails(t *testing.T) {
	mgr := NewManager()
	connA, connB := &fakeConn{}, &fakeConn{}
	_, err := mgr.Join(testRoomKey, "alice", "conn-a", "Alice", "", connA)
	require.NoError(t, err)
	_, err = mgr.Join(testRoomKey, "bob", "conn-b", "Bob", "", connB)
	require.NoError(t, err)

	mgr.Leave("conn-b")

	err = mgr.RelaySignal("conn-a", SignalPayload{To: "conn-b", SignalType: SignalOffer})
	assert.ErrorIs(t, err, ErrUnknownTarget)
	err = mgr.RelaySignal("conn-b", SignalPayload{To: "conn-a", SignalType: SignalOffer})
	assert.ErrorIs(t, err, ErrNotInVoice)
}
