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
	"encoding/json"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/vidmetrics/eventgw/common"
)

// memoryRecord one stored entry. A zero expireAt means no expiration.
type memoryRecord struct {
	data     []byte
	expireAt time.Time
}

// inMemoryStorage non-replicated store driver for single node deployments and tests
type inMemoryStorage struct {
	common.Component
	records  map[string]memoryRecord
	lclMutex sync.Mutex
}

// CreateInMemoryStorage define an in-memory storage driver
func CreateInMemoryStorage() (KeyValueStore, error) {
	logTags := log.Fields{"module": "storage", "component": "in-memory"}
	return &inMemoryStorage{
		Component: common.Component{LogTags: logTags},
		records:   make(map[string]memoryRecord),
	}, nil
}

// Set record a value under key, optionally expiring after ttl
func (d *inMemoryStorage) Set(
	ctxt context.Context, key string, value interface{}, ttl time.Duration,
) error {
	toStore, err := json.Marshal(value)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to serialize value for %s", key,
		)
		return err
	}
	entry := memoryRecord{data: toStore}
	if ttl > 0 {
		entry.expireAt = time.Now().Add(ttl)
	}
	d.lclMutex.Lock()
	defer d.lclMutex.Unlock()
	d.records[key] = entry
	return nil
}

// Get fetch the value stored under key into target. Expired records read as absent.
func (d *inMemoryStorage) Get(ctxt context.Context, key string, target interface{}) error {
	d.lclMutex.Lock()
	entry, ok := d.records[key]
	if ok && !entry.expireAt.IsZero() && time.Now().After(entry.expireAt) {
		delete(d.records, key)
		ok = false
	}
	d.lclMutex.Unlock()
	if !ok {
		return ErrRecordNotFound
	}
	return json.Unmarshal(entry.data, target)
}

// Delete remove the record under key
func (d *inMemoryStorage) Delete(ctxt context.Context, key string) error {
	d.lclMutex.Lock()
	defer d.lclMutex.Unlock()
	delete(d.records, key)
	return nil
}

// Close release the store driver
func (d *inMemoryStorage) Close() error {
	d.lclMutex.Lock()
	defer d.lclMutex.Unlock()
	d.records = make(map[string]memoryRecord)
	return nil
}
