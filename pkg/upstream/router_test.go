// Copyright 2024 The plantgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package upstream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/plantgate/pkg/alarm"
	"github.com/turtacn/plantgate/pkg/authz"
	"github.com/turtacn/plantgate/pkg/correlator"
	"github.com/turtacn/plantgate/pkg/permission"
	"github.com/turtacn/plantgate/pkg/protocol/scada"
	"github.com/turtacn/plantgate/pkg/store"
)

type nopController struct{}

func (nopController) SetAlarmFeed(context.Context, bool) error { return nil }

func lvl(v int) *int { return &v }

type routerFixture struct {
	store  *store.MemoryStore
	corr   *correlator.Correlator
	relay  *alarm.Relay
	pusher *fakePusher
	router *Router
}

func newRouterFixture() *routerFixture {
	m := store.NewMemoryStore()
	m.PutUser(store.User{ID: 1, Username: "a", FactoryLevel: int(permission.FactoryRD), AreaLevel: 3, Enabled: true})
	m.PutUser(store.User{ID: 2, Username: "b", FactoryLevel: int(permission.FactoryQH), AreaLevel: 5, Enabled: true})
	m.AddDevices(
		store.Device{ID: "RD-1", Factory: permission.FactoryRD, Level: lvl(1)},
		store.Device{ID: "RD-2", Factory: permission.FactoryRD, Level: lvl(9)},
		store.Device{ID: "RD-3", Factory: permission.FactoryRD},
		store.Device{ID: "QH-1", Factory: permission.FactoryQH, Level: lvl(5)},
	)

	f := &routerFixture{
		store:  m,
		corr:   correlator.New(time.Minute),
		relay:  alarm.NewRelay(nopController{}),
		pusher: newFakePusher("1", "2"),
	}
	f.router = &Router{
		Decoder:    scada.Decoder{HistoryDataTopic: "hisdatatest"},
		Translator: scada.Translator{Location: time.UTC},
		Authz:      authz.New(m, 0),
		Correlator: f.corr,
		Alarms:     f.relay,
		Push:       f.pusher,
	}
	return f
}

func realtimeNames(t *testing.T, p scada.Push) []string {
	t.Helper()
	require.Equal(t, scada.TypeRealtimeData, p.Type)
	data, ok := p.Data.(scada.RealtimeData)
	require.True(t, ok)
	names := make([]string, len(data.RTValue))
	for i, item := range data.RTValue {
		names[i] = item.Name
	}
	return names
}

func TestFilterRealtime(t *testing.T) {
	batch := []scada.RealtimeItem{{Name: "c"}, {Name: "a"}, {Name: "x"}, {Name: "b"}, {Name: "a"}}
	set := authz.DeviceSet{"a": {}, "b": {}, "c": {}}

	out := FilterRealtime(batch, set)
	names := make([]string, len(out))
	for i, item := range out {
		names[i] = item.Name
	}
	assert.Equal(t, []string{"c", "a", "b", "a"}, names)
	assert.Empty(t, FilterRealtime(batch, nil))
}

func TestRouter_RealtimeForwardsAuthorizedSubset(t *testing.T) {
	f := newRouterFixture()
	payload := `{"RTValue":[{"name":"QH-1","value":1},{"name":"RD-3","value":2},{"name":"RD-2","value":3},{"name":"RD-1","value":4}]}`

	f.router.Route(context.Background(), "1", "rdvalue", []byte(payload))

	frames := f.pusher.forUser("1")
	require.Len(t, frames, 1)
	assert.Equal(t, []string{"RD-3", "RD-1"}, realtimeNames(t, frames[0]))

	out, err := json.Marshal(frames[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"realtime_data","data":{"RTValue":[{"name":"RD-3","value":2},{"name":"RD-1","value":4}]}}`, string(out))
	assert.Empty(t, f.pusher.forUser("2"))
}

func TestRouter_RealtimeNothingAuthorized(t *testing.T) {
	f := newRouterFixture()
	f.router.Route(context.Background(), "1", "qhvalue", []byte(`{"RTValue":[{"name":"QH-1","value":1}]}`))
	assert.Empty(t, f.pusher.all())
}

func TestRouter_HistoryDataRoutesBySeq(t *testing.T) {
	f := newRouterFixture()
	f.corr.Register(1000, "1")
	f.corr.Register(1001, "2")

	// B's response arrives first, through A's session.
	f.router.Route(context.Background(), "1", "hisdatatest", []byte(`{"method":"HistoryData","seq":1001,"result":{"data":[]}}`))
	require.Len(t, f.pusher.forUser("2"), 1)
	assert.Empty(t, f.pusher.forUser("1"))

	// The same response through B's session is a duplicate.
	f.router.Route(context.Background(), "2", "hisdatatest", []byte(`{"method":"HistoryData","seq":1001,"result":{"data":[]}}`))
	assert.Len(t, f.pusher.forUser("2"), 1)

	// A's ticket is still resolvable.
	f.router.Route(context.Background(), "2", "hisdatatest", []byte(`{"method":"HistoryData","seq":1000,"result":{"data":[1]}}`))
	frames := f.pusher.forUser("1")
	require.Len(t, frames, 1)
	assert.Equal(t, scada.TypeHistoryData, frames[0].Type)
	assert.JSONEq(t, `{"method":"HistoryData","seq":1000,"result":{"data":[1]}}`, string(frames[0].Data.(json.RawMessage)))
}

func TestRouter_HistoryDataStaysWithFirstOwnerOfSeq(t *testing.T) {
	f := newRouterFixture()
	require.True(t, f.corr.Register(1000, "1"))
	require.False(t, f.corr.Register(1000, "2"))

	f.router.Route(context.Background(), "2", "hisdatatest", []byte(`{"method":"HistoryData","seq":1000,"result":{"data":[{"name":"RD-1"}]}}`))
	assert.Len(t, f.pusher.forUser("1"), 1)
	assert.Empty(t, f.pusher.forUser("2"))
}

func TestRouter_HistoryDataFiltersByResolvedUser(t *testing.T) {
	f := newRouterFixture()
	f.corr.Register(42, "2")

	f.router.Route(context.Background(), "1", "hisdatatest",
		[]byte(`{"method":"HistoryData","seq":42,"result":{"data":[{"name":"RD-1","datalist":[]},{"name":"QH-1","datalist":[]}]}}`))

	frames := f.pusher.forUser("2")
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"method":"HistoryData","seq":42,"result":{"data":[{"name":"QH-1","datalist":[]}]}}`, string(frames[0].Data.(json.RawMessage)))
}

func TestRouter_HistoryDataWithoutTicketIsDropped(t *testing.T) {
	f := newRouterFixture()
	f.router.Route(context.Background(), "1", "hisdatatest", []byte(`{"method":"HistoryData","seq":5,"result":{"data":[]}}`))
	f.router.Route(context.Background(), "1", "hisdatatest", []byte(`{"method":"HistoryData","result":{"data":[]}}`))
	assert.Empty(t, f.pusher.all())
}

func TestRouter_HistoryDataTicketConsumedWhenOffline(t *testing.T) {
	f := newRouterFixture()
	f.corr.Register(7, "3")
	f.router.Route(context.Background(), "1", "hisdatatest", []byte(`{"method":"HistoryData","seq":7,"result":{"data":[]}}`))
	assert.Empty(t, f.pusher.all())
	_, ok := f.corr.Resolve(7)
	assert.False(t, ok)
}

func TestRouter_RealtimeAlarmRequiresSubscription(t *testing.T) {
	f := newRouterFixture()
	payload := []byte(`{"method":"RealAlarm","alarms":[
		{"name":"RD-1","type":"H","state":0,"newtime":1709253000000,"trigger":90,"limit":80},
		{"name":"QH-1","type":"L","state":0},
		{"name":"RD-2","type":"HH","state":1}
	]}`)

	f.router.Route(context.Background(), "1", "backend/real/alarm", payload)
	assert.Empty(t, f.pusher.all())

	require.NoError(t, f.relay.Subscribe(context.Background(), "1"))
	f.router.Route(context.Background(), "1", "backend/real/alarm", payload)

	frames := f.pusher.forUser("1")
	require.Len(t, frames, 1)
	assert.Equal(t, scada.TypeAlarm, frames[0].Type)
	alarms := frames[0].Data.([]scada.FormattedAlarm)
	require.Len(t, alarms, 1)
	assert.Equal(t, "RD-1", alarms[0].DeviceName)
	assert.Equal(t, "高值报警", alarms[0].Type)
	assert.Equal(t, scada.StatusUnhandled, alarms[0].Status)
	require.NotNil(t, alarms[0].Time)
	assert.Equal(t, "2024-03-01 00:30:00", *alarms[0].Time)
}

func TestRouter_HistoryAlarmFiltersByResolvedUser(t *testing.T) {
	f := newRouterFixture()
	f.corr.Register(55, "2")
	payload := []byte(`{"method":"HistoryAlarm","seq":55,"data":[
		{"name":"RD-1","type":"H","operate":"x"},
		{"name":"QH-1","type":"LL","operate":"li","results":"done"}
	]}`)

	// Arrives through user 1's session; user 2 is not alarm-subscribed.
	f.router.Route(context.Background(), "1", "HisAlarm", payload)

	assert.Empty(t, f.pusher.forUser("1"))
	frames := f.pusher.forUser("2")
	require.Len(t, frames, 1)
	assert.Equal(t, scada.TypeHistoryAlarmResult, frames[0].Type)
	alarms := frames[0].Data.([]scada.FormattedAlarm)
	require.Len(t, alarms, 1)
	assert.Equal(t, "QH-1", alarms[0].DeviceName)
	assert.Equal(t, scada.StatusHandled, alarms[0].Status)
	assert.Equal(t, "li", *alarms[0].Operator)
	assert.Equal(t, "done", *alarms[0].Result)
}

func TestRouter_MalformedIsDropped(t *testing.T) {
	f := newRouterFixture()
	f.router.Route(context.Background(), "1", "rdvalue", []byte(`not json`))
	f.router.Route(context.Background(), "1", "rdvalue", []byte(`{"method":"Unknown"}`))
	assert.Empty(t, f.pusher.all())
}
