// Copyright The devmem Authors. All Rights Reserved.
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

package log

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSrcmapParse(t *testing.T) {
	tcases := []struct {
		name    string
		value   string
		want    srcmap
		invalid bool
	}{
		{
			name:  "empty value",
			value: "",
			want:  srcmap{},
		},
		{
			name:  "bare sources default to on",
			value: "registry,cache",
			want:  srcmap{"registry": true, "cache": true},
		},
		{
			name:  "explicit state prefix",
			value: "off:proxy",
			want:  srcmap{"proxy": false},
		},
		{
			name:  "state sticks to following sources",
			value: "on:registry,cache,off:proxy,metrics",
			want:  srcmap{"registry": true, "cache": true, "proxy": false, "metrics": false},
		},
		{
			name:  "all aliases to wildcard",
			value: "all",
			want:  srcmap{"*": true},
		},
		{
			name:    "invalid state",
			value:   "maybe:registry",
			invalid: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			m := make(srcmap)
			err := m.parse(tc.value)
			if tc.invalid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, m)
		})
	}
}

func TestEnableDebug(t *testing.T) {
	l := Get("config-test")
	require.False(t, l.DebugEnabled())

	prev := l.EnableDebug(true)
	require.False(t, prev)
	require.True(t, l.DebugEnabled())

	prev = l.EnableDebug(false)
	require.True(t, prev)
	require.False(t, l.DebugEnabled())
}
