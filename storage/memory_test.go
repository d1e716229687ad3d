// Copyright 2025-2026 The eventgw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestInMemoryStorage(t *testing.T) {
	assert := assert.New(t)

	uut, err := CreateInMemoryStorage()
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	type testRecord struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	// Case 0: fetch unknown key
	{
		var record testRecord
		assert.ErrorIs(uut.Get(utCtxt, uuid.New().String(), &record), ErrRecordNotFound)
	}

	// Case 1: round trip without TTL
	{
		key := uuid.New().String()
		assert.Nil(uut.Set(utCtxt, key, testRecord{Name: "hello", Count: 2}, 0))
		var record testRecord
		assert.Nil(uut.Get(utCtxt, key, &record))
		assert.Equal("hello", record.Name)
		assert.Equal(2, record.Count)
	}

	// Case 2: overwrite an existing key
	{
		key := uuid.New().String()
		assert.Nil(uut.Set(utCtxt, key, testRecord{Name: "first"}, 0))
		assert.Nil(uut.Set(utCtxt, key, testRecord{Name: "second"}, 0))
		var record testRecord
		assert.Nil(uut.Get(utCtxt, key, &record))
		assert.Equal("second", record.Name)
	}

	// Case 3: record expires after its TTL
	{
		key := uuid.New().String()
		assert.Nil(uut.Set(utCtxt, key, testRecord{Name: "fleeting"}, time.Millisecond*50))
		var record testRecord
		assert.Nil(uut.Get(utCtxt, key, &record))
		time.Sleep(time.Millisecond * 75)
		assert.ErrorIs(uut.Get(utCtxt, key, &record), ErrRecordNotFound)
	}

	// Case 4: delete is idempotent
	{
		key := uuid.New().String()
		assert.Nil(uut.Set(utCtxt, key, testRecord{Name: "gone"}, 0))
		assert.Nil(uut.Delete(utCtxt, key))
		assert.Nil(uut.Delete(utCtxt, key))
		var record testRecord
		assert.ErrorIs(uut.Get(utCtxt, key, &record), ErrRecordNotFound)
	}
}
