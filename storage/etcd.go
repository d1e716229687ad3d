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
	"time"

	"github.com/apex/log"
	"github.com/vidmetrics/eventgw/common"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdBackedStorage driver for using ETCD as the durable key-value store
type etcdBackedStorage struct {
	common.Component
	client *clientv3.Client
}

// CreateEtcdBackedStorage define an etcd backed storage driver
func CreateEtcdBackedStorage(servers []string, dialTimeout time.Duration) (KeyValueStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   servers,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		log.WithError(err).Errorf("Unable to connect with etcd servers %s", servers)
		return nil, err
	}
	logTags := log.Fields{"module": "storage", "component": "etcd-backed"}
	log.WithFields(logTags).Infof("Connected with etcd servers %s", servers)
	return &etcdBackedStorage{
		Component: common.Component{LogTags: logTags},
		client:    client,
	}, nil
}

// Set record a value under key, optionally expiring after ttl via an etcd lease
func (d *etcdBackedStorage) Set(
	ctxt context.Context, key string, value interface{}, ttl time.Duration,
) error {
	toStore, err := json.Marshal(value)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to serialize value for %s", key,
		)
		return err
	}
	opts := []clientv3.OpOption{}
	if ttl > 0 {
		lease, err := d.client.Grant(ctxt, int64(ttl.Seconds()))
		if err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf(
				"Failed to grant %s lease for %s", ttl, key,
			)
			return err
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}
	if _, err := d.client.Put(ctxt, key, string(toStore), opts...); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to WRITE %s", key)
		return err
	}
	log.WithFields(d.LogTags).Debugf("WRITE %s", key)
	return nil
}

// Get fetch the value stored under key into target
func (d *etcdBackedStorage) Get(ctxt context.Context, key string, target interface{}) error {
	resp, err := d.client.Get(ctxt, key)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to READ %s", key)
		return err
	}
	if len(resp.Kvs) == 0 {
		return ErrRecordNotFound
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, target); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Unable to parse record %s", key)
		return err
	}
	return nil
}

// Delete remove the record under key
func (d *etcdBackedStorage) Delete(ctxt context.Context, key string) error {
	if _, err := d.client.Delete(ctxt, key); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to DELETE %s", key)
		return err
	}
	log.WithFields(d.LogTags).Debugf("DELETE %s", key)
	return nil
}

// Close release the etcd client
func (d *etcdBackedStorage) Close() error {
	return d.client.Close()
}
