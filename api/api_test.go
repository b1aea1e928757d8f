package api_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-fabricmon"
	"github.com/frobware/go-fabricmon/api"
)

func TestEncodeDecodeSessionStats(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stopped := started.Add(90 * time.Second)
	link := fabricmon.SwitchID(4097)
	in := api.SessionStatsReply{
		Session: fabricmon.Session{
			ID:         "6f1c",
			SwitchType: fabricmon.SwitchTypeFabric,
			Interval:   250 * time.Millisecond,
			Ports:      2,
			StartedAt:  started,
			StoppedAt:  &stopped,
		},
		Ports: []fabricmon.PortSnapshot{
			{Port: 1, Group: 3, LinkSwitchID: &link, NextSequenceNumber: 91, PendingCount: 1,
				Stats: fabricmon.PortStats{TxCount: 90, RxCount: 88, DroppedCount: 1, InvalidPayloadCount: 2, NoPendingSeqNumCount: 4}},
			{Port: 2, Group: 3, NextSequenceNumber: 1},
		},
	}

	st, err := api.Encode(in)
	require.NoError(t, err)
	assert.Equal(t, "fabric", st.GetFields()["session"].GetStructValue().GetFields()["switch_type"].GetStringValue())

	var out api.SessionStatsReply
	require.NoError(t, api.Decode(st, &out))
	assert.Equal(t, in.Session.ID, out.Session.ID)
	assert.Equal(t, in.Session.Interval, out.Session.Interval)
	assert.True(t, started.Equal(out.Session.StartedAt))
	require.NotNil(t, out.Session.StoppedAt)
	assert.True(t, stopped.Equal(*out.Session.StoppedAt))
	assert.Equal(t, in.Ports, out.Ports)
}

func TestDecodeNilStruct(t *testing.T) {
	var req api.PortStatsRequest
	require.NoError(t, api.Decode(nil, &req))
	assert.Nil(t, req.Port)
}

func TestServiceDescMethods(t *testing.T) {
	var names []string
	for _, m := range api.ServiceDesc.Methods {
		names = append(names, "/"+api.ServiceName+"/"+m.MethodName)
	}
	assert.Equal(t, []string{
		api.StartMethod,
		api.StopMethod,
		api.StatusMethod,
		api.GetPortStatsMethod,
		api.ListSessionsMethod,
		api.GetSessionStatsMethod,
	}, names)
}
