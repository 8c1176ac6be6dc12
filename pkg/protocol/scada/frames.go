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
	"fmt"
)

// Client frame types.
const (
	TypeConnected          = "connected"
	TypeRealtimeData       = "realtime_data"
	TypeAlarm              = "alarm"
	TypeHistoryData        = "history_data"
	TypeHistoryAlarmResult = "history_alarm_result"
	TypeAlarmSubscribe     = "alarm_subscribe"
	TypePublishMQTT        = "publish_mqtt"
	TypeQueryHistoryAlarm  = "query_history_alarm"
)

// Push is a frame sent to a client socket.
type Push struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// RealtimeData is the body of a realtime_data frame.
type RealtimeData struct {
	RTValue []RealtimeItem `json:"RTValue"`
}

// Connected builds the greeting frame.
func Connected(message string) Push {
	return Push{Type: TypeConnected, Message: message}
}

// RealtimePush wraps authorized realtime items.
func RealtimePush(items []RealtimeItem) Push {
	return Push{Type: TypeRealtimeData, Data: RealtimeData{RTValue: items}}
}

// AlarmPush wraps translated realtime alarms.
func AlarmPush(alarms []FormattedAlarm) Push {
	return Push{Type: TypeAlarm, Data: alarms}
}

// HistoryDataPush forwards a history data response unchanged.
func HistoryDataPush(raw json.RawMessage) Push {
	return Push{Type: TypeHistoryData, Data: raw}
}

// HistoryAlarmPush wraps translated history alarms.
func HistoryAlarmPush(alarms []FormattedAlarm) Push {
	return Push{Type: TypeHistoryAlarmResult, Data: alarms}
}

// Command is a frame received from a client socket. Which fields are set
// depends on Type.
type Command struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	State   *Float          `json:"state,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DecodeCommand parses a client frame.
func DecodeCommand(b []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: client frame: %v", ErrMalformedMessage, err)
	}
	if c.Type == "" {
		return nil, fmt.Errorf("%w: client frame without type", ErrMalformedMessage)
	}
	return &c, nil
}

// AlarmControl is the message that turns the shared realtime alarm feed on
// (state 0) or off (state 1).
type AlarmControl struct {
	Method string `json:"method"`
	State  int    `json:"state"`
	Topic  string `json:"topic"`
}

// Alarm control states.
const (
	AlarmControlSubscribe   = 0
	AlarmControlUnsubscribe = 1
)

// NewAlarmControl builds the control message asking for alarms on responseTopic.
func NewAlarmControl(subscribe bool, responseTopic string) AlarmControl {
	state := AlarmControlUnsubscribe
	if subscribe {
		state = AlarmControlSubscribe
	}
	return AlarmControl{Method: MethodRealAlarm, State: state, Topic: responseTopic}
}
