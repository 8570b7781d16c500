package server

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// ConnectionRecord describes one live, actively splicing session. A record
// exists in the registry iff the session holds an open pipe to its backend.
type ConnectionRecord struct {
	ID int64 `json:"id"`
	// ClientIP is the IP carried by the injected header, not the socket
	// peer address, which is an upstream hop.
	ClientIP    string `json:"clientIp"`
	Domain      string `json:"domain"`
	Username    string `json:"username,omitempty"`
	Uuid        string `json:"uuid,omitempty"`
	BackendHost string `json:"backendHost"`
	BackendPort int    `json:"backendPort"`

	clientConn net.Conn
}

type IRegistry interface {
	Insert(record *ConnectionRecord) int64
	Remove(id int64) bool
	Enumerate() []ConnectionRecord
	ByUsername(name string, backendPort int) []ConnectionRecord
	ByIP(ip string, backendPort int) []ConnectionRecord
	ByUuid(uuid string, backendPort int) []ConnectionRecord
	// Kick closes the client socket of the identified session and removes
	// its record. The session observes the close and tears itself down.
	Kick(id int64) bool
	Count() int
}

var Registry = NewRegistry()

func NewRegistry() IRegistry {
	return &registryImpl{
		records: make(map[int64]*ConnectionRecord),
	}
}

type registryImpl struct {
	sync.RWMutex
	records map[int64]*ConnectionRecord
	nextId  int64
}

func (r *registryImpl) Insert(record *ConnectionRecord) int64 {
	r.Lock()
	defer r.Unlock()

	r.nextId++
	record.ID = r.nextId
	r.records[record.ID] = record

	logrus.WithFields(logrus.Fields{
		"id":       record.ID,
		"clientIp": record.ClientIP,
		"domain":   record.Domain,
		"username": record.Username,
	}).Debug("Registered session")

	return record.ID
}

func (r *registryImpl) Remove(id int64) bool {
	r.Lock()
	defer r.Unlock()

	if _, exists := r.records[id]; !exists {
		return false
	}
	delete(r.records, id)
	return true
}

func (r *registryImpl) Enumerate() []ConnectionRecord {
	r.RLock()
	defer r.RUnlock()

	result := make([]ConnectionRecord, 0, len(r.records))
	for _, record := range r.records {
		result = append(result, *record)
	}
	return result
}

func (r *registryImpl) ByUsername(name string, backendPort int) []ConnectionRecord {
	return r.filter(func(record *ConnectionRecord) bool {
		return record.Username == name && record.BackendPort == backendPort
	})
}

func (r *registryImpl) ByIP(ip string, backendPort int) []ConnectionRecord {
	return r.filter(func(record *ConnectionRecord) bool {
		return record.ClientIP == ip && record.BackendPort == backendPort
	})
}

func (r *registryImpl) ByUuid(uuid string, backendPort int) []ConnectionRecord {
	return r.filter(func(record *ConnectionRecord) bool {
		return record.Uuid == uuid && record.BackendPort == backendPort
	})
}

func (r *registryImpl) filter(match func(*ConnectionRecord) bool) []ConnectionRecord {
	r.RLock()
	defer r.RUnlock()

	var result []ConnectionRecord
	for _, record := range r.records {
		if match(record) {
			result = append(result, *record)
		}
	}
	return result
}

func (r *registryImpl) Kick(id int64) bool {
	r.Lock()
	record, exists := r.records[id]
	if exists {
		delete(r.records, id)
	}
	r.Unlock()

	if !exists {
		return false
	}

	logrus.WithFields(logrus.Fields{
		"id":       record.ID,
		"username": record.Username,
		"clientIp": record.ClientIP,
	}).Info("Kicking session")

	// Closing outside the lock; the session's pumps fail and tear down.
	_ = record.clientConn.Close()
	return true
}

func (r *registryImpl) Count() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.records)
}
