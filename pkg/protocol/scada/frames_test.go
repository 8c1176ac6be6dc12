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

package scada

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommand(t *testing.T) {
	c, err := DecodeCommand([]byte(`{"type":"publish_mqtt","topic":"SupconScadaHisData","payload":{"seq":1000,"names":["FT-101"]}}`))
	require.NoError(t, err)
	assert.Equal(t, TypePublishMQTT, c.Type)
	assert.Equal(t, "SupconScadaHisData", c.Topic)
	assert.JSONEq(t, `{"seq":1000,"names":["FT-101"]}`, string(c.Payload))

	c, err = DecodeCommand([]byte(`{"type":"alarm_subscribe","state":0}`))
	require.NoError(t, err)
	require.NotNil(t, c.State)
	assert.True(t, c.State.Valid)
	assert.Equal(t, 0.0, c.State.Value)

	c, err = DecodeCommand([]byte(`{"type":"alarm_subscribe"}`))
	require.NoError(t, err)
	assert.Nil(t, c.State)

	_, err = DecodeCommand([]byte(`{"topic":"x"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
	_, err = DecodeCommand([]byte(`nope`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestFrames(t *testing.T) {
	out, err := json.Marshal(Connected("WebSocket连接成功"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connected","message":"WebSocket连接成功"}`, string(out))

	out, err = json.Marshal(HistoryDataPush(json.RawMessage(`{"seq":1,"result":{"data":[]}}`)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"history_data","data":{"seq":1,"result":{"data":[]}}}`, string(out))

	out, err = json.Marshal(NewAlarmControl(true, "backend/real/alarm"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"RealAlarm","state":0,"topic":"backend/real/alarm"}`, string(out))

	out, err = json.Marshal(NewAlarmControl(false, "backend/real/alarm"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"RealAlarm","state":1,"topic":"backend/real/alarm"}`, string(out))
}

func TestPrepareHistoryQuery(t *testing.T) {
	next := func() int64 { return 42 }

	q, err := PrepareHistoryQuery(json.RawMessage(`{"method":"HistoryData","topic":"client/own","seq":1000,"names":["A"]}`), "hisdatatest", next)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), q.Seq)
	assert.JSONEq(t, `{"method":"HistoryData","topic":"hisdatatest","seq":1000,"names":["A"]}`, string(q.Payload))

	q, err = PrepareHistoryQuery(json.RawMessage(`{"method":"HistoryAlarm","begintime":"x"}`), "HisAlarm", next)
	require.NoError(t, err)
	assert.Equal(t, int64(42), q.Seq)
	assert.JSONEq(t, `{"method":"HistoryAlarm","begintime":"x","seq":42,"topic":"HisAlarm"}`, string(q.Payload))

	_, err = PrepareHistoryQuery(json.RawMessage(`[1]`), "HisAlarm", next)
	assert.ErrorIs(t, err, ErrMalformedMessage)
	_, err = PrepareHistoryQuery(json.RawMessage(`null`), "HisAlarm", next)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestHistoryQuery_Reseq(t *testing.T) {
	q, err := PrepareHistoryQuery(json.RawMessage(`{"method":"HistoryData","seq":1000,"names":["A"]}`), "hisdatatest", nil)
	require.NoError(t, err)

	require.NoError(t, q.Reseq(2001))
	assert.Equal(t, int64(2001), q.Seq)
	assert.JSONEq(t, `{"method":"HistoryData","topic":"hisdatatest","seq":2001,"names":["A"]}`, string(q.Payload))
}
