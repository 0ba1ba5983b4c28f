// Copyright 2023 UMH Systems GmbH
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

package datamodel

/*
 * Based on https://docs.umh.app/docs/concepts/mqtt/ (22.04.2022)
 */

// State is the payload of an ia/<customer>/<location>/<asset>/state message
type State struct {
	TimestampMs uint64 `json:"timestamp_ms"`
	State       uint64 `json:"state"`
}
