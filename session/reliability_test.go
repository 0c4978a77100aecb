package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var allKinds = []TransportKind{StreamTransport, MultiStreamTransport, DatagramTransport, TransportKind(42)}

func allLevels() []Reliability {
	return []Reliability{Unreliable, UnreliableSequenced, Reliable, ReliableOrdered, ReliableSequenced, Reliability(99)}
}

func TestReliability_Resolve(t *testing.T) {
	require := require.New(t)

	tests := []struct {
		kind     TransportKind
		in       Reliability
		expected Reliability
	}{
		{StreamTransport, Unreliable, ReliableOrdered},
		{StreamTransport, Reliable, ReliableOrdered},
		{StreamTransport, ReliableSequenced, ReliableOrdered},
		{MultiStreamTransport, Unreliable, Reliable},
		{MultiStreamTransport, UnreliableSequenced, ReliableOrdered},
		{MultiStreamTransport, Reliable, Reliable},
		{MultiStreamTransport, ReliableOrdered, ReliableOrdered},
		{MultiStreamTransport, ReliableSequenced, ReliableOrdered},
		{DatagramTransport, Unreliable, Unreliable},
		{DatagramTransport, UnreliableSequenced, UnreliableSequenced},
		{DatagramTransport, ReliableSequenced, ReliableSequenced},
		{DatagramTransport, Reliability(99), ReliableOrdered},
		{TransportKind(42), Unreliable, ReliableOrdered},
	}

	for _, tt := range tests {
		require.Equal(tt.expected, tt.in.Resolve(tt.kind), "%s on %s", tt.in, tt.kind)
	}
}

func TestReliability_ResolveIdempotent(t *testing.T) {
	require := require.New(t)

	for _, kind := range allKinds {
		for _, rel := range allLevels() {
			once := rel.Resolve(kind)
			require.Equal(once, once.Resolve(kind), "%s on %s", rel, kind)
			require.True(once.IsSupported(kind))
		}
	}
}

func TestTransportKind_Supported(t *testing.T) {
	require := require.New(t)

	require.Equal([]Reliability{ReliableOrdered}, StreamTransport.Supported())
	require.Equal([]Reliability{Reliable, ReliableOrdered}, MultiStreamTransport.Supported())
	require.Len(DatagramTransport.Supported(), 5)
	require.Equal([]Reliability{ReliableOrdered}, TransportKind(42).Supported())
}

func TestParseReliability(t *testing.T) {
	require := require.New(t)

	for _, rel := range allLevels()[:5] {
		parsed, ok := ParseReliability(rel.String())
		require.True(ok)
		require.Equal(rel, parsed)
	}

	rel, ok := ParseReliability("RELIABLE_SEQUENCED")
	require.True(ok)
	require.Equal(ReliableSequenced, rel)

	_, ok = ParseReliability("best-effort")
	require.False(ok)
	require.Equal("unknown", Reliability(99).String())

	require.True(Reliable.IsReliable())
	require.False(UnreliableSequenced.IsReliable())
	require.True(UnreliableSequenced.IsSequenced())
	require.True(ReliableOrdered.IsOrdered())
}
