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

// Package scada decodes the JSON messages published by the SCADA upstream
// bus and builds the frames the gateway pushes to browser clients.
package scada

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedMessage is returned for payloads that match no known shape.
var ErrMalformedMessage = errors.New("malformed upstream message")

// Upstream method names.
const (
	MethodHistoryData  = "HistoryData"
	MethodRealAlarm    = "RealAlarm"
	MethodHistoryAlarm = "HistoryAlarm"
)

// Kind classifies an upstream message.
type Kind int

const (
	KindUnknown Kind = iota
	KindRealtime
	KindHistoryData
	KindRealtimeAlarm
	KindHistoryAlarm
)

func (k Kind) String() string {
	switch k {
	case KindRealtime:
		return "realtime"
	case KindHistoryData:
		return "history_data"
	case KindRealtimeAlarm:
		return "realtime_alarm"
	case KindHistoryAlarm:
		return "history_alarm"
	default:
		return "unknown"
	}
}

// RealtimeItem is one device value of a realtime batch. The original bytes
// are kept so authorized items are forwarded unchanged.
type RealtimeItem struct {
	Name string
	Raw  json.RawMessage
}

// MarshalJSON writes the item exactly as it was received.
func (i RealtimeItem) MarshalJSON() ([]byte, error) {
	return i.Raw, nil
}

// Alarm is one alarm record of a realtime or history alarm batch.
type Alarm struct {
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	NewTime    Time            `json:"newtime"`
	Trigger    Float           `json:"trigger"`
	Limit      Float           `json:"limit"`
	State      Float           `json:"state"`
	Desc       string          `json:"desc"`
	AlmDesc    string          `json:"almdesc"`
	Level      json.RawMessage `json:"level"`
	CancelTime Time            `json:"canceltime"`
	AckTime    Time            `json:"acktime"`
	Operate    string          `json:"operate"`
	Results    string          `json:"results"`
}

// Message is a decoded upstream message. Seq is set only when HasSeq is.
type Message struct {
	Kind     Kind
	Seq      int64
	HasSeq   bool
	Realtime []RealtimeItem
	Alarms   []Alarm
	// Raw is the full payload, forwarded as is for history data responses.
	Raw json.RawMessage
}

type wireMessage struct {
	Method  string          `json:"method"`
	Seq     Float           `json:"seq"`
	RTValue json.RawMessage `json:"RTValue"`
	Result  *struct {
		Data json.RawMessage `json:"data"`
	} `json:"result"`
	Alarms json.RawMessage `json:"alarms"`
	Data   json.RawMessage `json:"data"`
}

// Decoder classifies payloads. HistoryDataTopic is the response topic whose
// messages are history data regardless of their body.
type Decoder struct {
	HistoryDataTopic string
}

// Decode classifies payload received on topic. Shapes are tried in order:
// realtime batch, history data, realtime alarm, history alarm.
func (d Decoder) Decode(topic string, payload []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	msg := &Message{Raw: json.RawMessage(payload)}
	if w.Seq.Valid {
		msg.Seq, msg.HasSeq = int64(w.Seq.Value), true
	}

	switch {
	case isArray(w.RTValue):
		items, err := decodeRealtime(w.RTValue)
		if err != nil {
			return nil, err
		}
		msg.Kind, msg.Realtime = KindRealtime, items
	case (d.HistoryDataTopic != "" && topic == d.HistoryDataTopic) ||
		(w.Method == MethodHistoryData && w.Result != nil && present(w.Result.Data)):
		msg.Kind = KindHistoryData
	case w.Method == MethodRealAlarm && isArray(w.Alarms):
		alarms, err := decodeAlarms(w.Alarms)
		if err != nil {
			return nil, err
		}
		msg.Kind, msg.Alarms = KindRealtimeAlarm, alarms
	case w.Method == MethodHistoryAlarm && isArray(w.Data):
		alarms, err := decodeAlarms(w.Data)
		if err != nil {
			return nil, err
		}
		msg.Kind, msg.Alarms = KindHistoryAlarm, alarms
	default:
		return nil, fmt.Errorf("%w: unrecognized shape on topic %s", ErrMalformedMessage, topic)
	}
	return msg, nil
}

func decodeRealtime(raw json.RawMessage) ([]RealtimeItem, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("%w: RTValue: %v", ErrMalformedMessage, err)
	}
	items := make([]RealtimeItem, 0, len(elems))
	for _, e := range elems {
		var head struct {
			Name json.RawMessage `json:"name"`
		}
		if err := json.Unmarshal(e, &head); err != nil {
			// Not an object; no name, never authorized.
			items = append(items, RealtimeItem{Raw: e})
			continue
		}
		items = append(items, RealtimeItem{Name: nameOf(head.Name), Raw: e})
	}
	return items, nil
}

// FilterHistoryData drops the entries of result.data whose name (or tag)
// is rejected by allowed, and returns the payload with the number of
// dropped entries. Entries without a device name are kept.
func FilterHistoryData(raw json.RawMessage, allowed func(name string) bool) (json.RawMessage, int, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, 0, fmt.Errorf("%w: history data: %v", ErrMalformedMessage, err)
	}
	var result map[string]json.RawMessage
	if err := json.Unmarshal(body["result"], &result); err != nil || !isArray(result["data"]) {
		return raw, 0, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(result["data"], &elems); err != nil {
		return nil, 0, fmt.Errorf("%w: history data: %v", ErrMalformedMessage, err)
	}

	kept := make([]json.RawMessage, 0, len(elems))
	for _, e := range elems {
		var head struct {
			Name json.RawMessage `json:"name"`
			Tag  json.RawMessage `json:"tag"`
		}
		name := ""
		if err := json.Unmarshal(e, &head); err == nil {
			if name = nameOf(head.Name); name == "" {
				name = nameOf(head.Tag)
			}
		}
		if name == "" || allowed(name) {
			kept = append(kept, e)
		}
	}
	dropped := len(elems) - len(kept)
	if dropped == 0 {
		return raw, 0, nil
	}

	data, err := json.Marshal(kept)
	if err != nil {
		return nil, 0, err
	}
	result["data"] = data
	if body["result"], err = json.Marshal(result); err != nil {
		return nil, 0, err
	}
	out, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}
	return out, dropped, nil
}

// nameOf accepts string and numeric device names.
func nameOf(raw json.RawMessage) string {
	if !present(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func decodeAlarms(raw json.RawMessage) ([]Alarm, error) {
	var alarms []Alarm
	if err := json.Unmarshal(raw, &alarms); err != nil {
		return nil, fmt.Errorf("%w: alarms: %v", ErrMalformedMessage, err)
	}
	return alarms, nil
}
