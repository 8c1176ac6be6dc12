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

// Package permission resolves a user's factory bitmask into the plant
// factories it grants and the realtime feed topics those factories publish on.
package permission

// Factory is the bit value that identifies a plant area in a factory bitmask.
type Factory int

// Factory codes, one bit each.
const (
	FactoryRD Factory = 2  // thermal power
	FactoryQH Factory = 4  // gasification
	FactoryJH Factory = 8  // purification and finished goods
	FactoryHS Factory = 16 // recovery
	FactoryDW Factory = 32 // personnel positioning
)

// SuperAdminLevel is the factory bitmask sentinel that grants every factory
// and bypasses device-level filtering.
const SuperAdminLevel = 99

type factoryEntry struct {
	code    string
	factory Factory
	topic   string
}

// factoryTable fixes the order in which factories and topics are reported.
// This order, not the bit value, is the tie-break everywhere.
var factoryTable = []factoryEntry{
	{code: "RD", factory: FactoryRD, topic: "rdvalue"},
	{code: "QH", factory: FactoryQH, topic: "qhvalue"},
	{code: "JH", factory: FactoryJH, topic: "jhvalue"},
	{code: "HS", factory: FactoryHS, topic: "hsvalue"},
	{code: "DW", factory: FactoryDW, topic: "dwvalue"},
}

// Code returns the short plant code ("RD", "QH", ...) or "" for an unknown value.
func (f Factory) Code() string {
	for _, e := range factoryTable {
		if e.factory == f {
			return e.code
		}
	}
	return ""
}

// Topic returns the realtime feed topic of the factory, or "" if unknown.
func (f Factory) Topic() string {
	for _, e := range factoryTable {
		if e.factory == f {
			return e.topic
		}
	}
	return ""
}

// AllFactories returns every factory in table order.
func AllFactories() []Factory {
	out := make([]Factory, 0, len(factoryTable))
	for _, e := range factoryTable {
		out = append(out, e.factory)
	}
	return out
}

// AllTopics returns every realtime feed topic in table order.
func AllTopics() []string {
	out := make([]string, 0, len(factoryTable))
	for _, e := range factoryTable {
		out = append(out, e.topic)
	}
	return out
}

// IsSuperAdmin reports whether the bitmask is the superadmin sentinel.
func IsSuperAdmin(level int) bool {
	return level == SuperAdminLevel
}

// ParseFactoryLevel expands a factory bitmask into factories in table order.
// The superadmin sentinel yields every factory.
func ParseFactoryLevel(level int) []Factory {
	if IsSuperAdmin(level) {
		return AllFactories()
	}
	factories := []Factory{}
	for _, e := range factoryTable {
		if level&int(e.factory) != 0 {
			factories = append(factories, e.factory)
		}
	}
	return factories
}

// FactoriesToTopics maps factories to their realtime feed topics.
//
// An empty list returns every topic. Device authorization treats the same
// empty list as "no devices", so a user without factories subscribes to every
// feed and has every item filtered out downstream.
func FactoriesToTopics(factories []Factory) []string {
	if len(factories) == 0 {
		return AllTopics()
	}
	topics := make([]string, 0, len(factories))
	for _, f := range factories {
		if t := f.Topic(); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

// Authorization is the derived visibility scope of one user.
type Authorization struct {
	Factories  []Factory
	AreaLevel  int
	SuperAdmin bool
}

// NewAuthorization derives the scope from a factory bitmask and an area ceiling.
func NewAuthorization(factoryLevel, areaLevel int) Authorization {
	return Authorization{
		Factories:  ParseFactoryLevel(factoryLevel),
		AreaLevel:  areaLevel,
		SuperAdmin: IsSuperAdmin(factoryLevel),
	}
}

// HasFactory reports whether f is one of the granted factories.
func (a Authorization) HasFactory(f Factory) bool {
	for _, g := range a.Factories {
		if g == f {
			return true
		}
	}
	return false
}

// FactoryValues returns the granted factories as plain ints, in table order.
func (a Authorization) FactoryValues() []int {
	out := make([]int, len(a.Factories))
	for i, f := range a.Factories {
		out[i] = int(f)
	}
	return out
}

// Topics returns the realtime feed topics for the scope.
func (a Authorization) Topics() []string {
	return FactoriesToTopics(a.Factories)
}
