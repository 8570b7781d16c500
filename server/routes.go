package server

import (
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrRouteExists   = errors.New("route already exists")
	ErrRouteNotFound = errors.New("route not found")
)

// Backend is the upstream server a domain routes to.
type Backend struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (b Backend) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

var (
	invalidDomainChars = regexp.MustCompile(`[^A-Za-z0-9.-]`)
	fmlSuffixPattern   = regexp.MustCompile(`FML\d*$`)
)

// NormalizeDomain canonicalizes a client-advertised server address into a
// routing key: strip characters outside [A-Za-z0-9.-], trim a trailing
// Forge Mod Loader suffix, trim trailing dots, lowercase. Idempotent.
func NormalizeDomain(domain string) string {
	domain = strings.TrimSpace(domain)
	domain = invalidDomainChars.ReplaceAllString(domain, "")
	domain = fmlSuffixPattern.ReplaceAllString(domain, "")
	domain = strings.TrimRight(domain, ".")
	return strings.ToLower(domain)
}

type IRoutes interface {
	Reset()
	RegisterAll(mappings map[string]Backend)
	UseStore(store RoutesStore)
	// FindBackendForDomain returns the backend for the client-advertised
	// server address, if registered. The 2nd value is the normalized domain.
	FindBackendForDomain(serverAddress string) (Backend, string, bool)
	List() map[string]Backend
	Get(domain string) (Backend, bool)
	Create(domain string, backend Backend) error
	Update(domain string, backend Backend) error
	Delete(domain string) bool
}

var Routes = NewRoutes()

func NewRoutes() IRoutes {
	return &routesImpl{
		mappings: make(map[string]Backend),
	}
}

type routesImpl struct {
	sync.RWMutex
	mappings map[string]Backend
	store    RoutesStore
}

// UseStore attaches durable storage; every subsequent mutation rewrites the
// whole table through the store before returning.
func (r *routesImpl) UseStore(store RoutesStore) {
	r.Lock()
	defer r.Unlock()
	r.store = store
}

func (r *routesImpl) Reset() {
	r.Lock()
	defer r.Unlock()
	r.mappings = make(map[string]Backend)
}

func (r *routesImpl) RegisterAll(mappings map[string]Backend) {
	r.Lock()
	defer r.Unlock()
	for domain, backend := range mappings {
		r.mappings[NormalizeDomain(domain)] = backend
	}
}

func (r *routesImpl) FindBackendForDomain(serverAddress string) (Backend, string, bool) {
	domain := NormalizeDomain(serverAddress)

	r.RLock()
	defer r.RUnlock()

	logrus.WithFields(logrus.Fields{
		"serverAddress": serverAddress,
		"domain":        domain,
	}).Debug("Finding backend for domain")

	backend, exists := r.mappings[domain]
	return backend, domain, exists
}

func (r *routesImpl) List() map[string]Backend {
	r.RLock()
	defer r.RUnlock()

	result := make(map[string]Backend, len(r.mappings))
	for domain, backend := range r.mappings {
		result[domain] = backend
	}
	return result
}

func (r *routesImpl) Get(domain string) (Backend, bool) {
	r.RLock()
	defer r.RUnlock()

	backend, exists := r.mappings[NormalizeDomain(domain)]
	return backend, exists
}

func (r *routesImpl) Create(domain string, backend Backend) error {
	domain = NormalizeDomain(domain)

	r.Lock()
	defer r.Unlock()

	if _, exists := r.mappings[domain]; exists {
		return ErrRouteExists
	}
	r.mappings[domain] = backend

	if err := r.persistLocked(); err != nil {
		delete(r.mappings, domain)
		return err
	}

	logrus.WithFields(logrus.Fields{
		"domain":  domain,
		"backend": backend.Addr(),
	}).Info("Created route")
	return nil
}

func (r *routesImpl) Update(domain string, backend Backend) error {
	domain = NormalizeDomain(domain)

	r.Lock()
	defer r.Unlock()

	previous, exists := r.mappings[domain]
	if !exists {
		return ErrRouteNotFound
	}
	r.mappings[domain] = backend

	if err := r.persistLocked(); err != nil {
		r.mappings[domain] = previous
		return err
	}

	logrus.WithFields(logrus.Fields{
		"domain":  domain,
		"backend": backend.Addr(),
	}).Info("Updated route")
	return nil
}

func (r *routesImpl) Delete(domain string) bool {
	domain = NormalizeDomain(domain)

	r.Lock()
	defer r.Unlock()

	if _, exists := r.mappings[domain]; !exists {
		return false
	}
	delete(r.mappings, domain)

	if err := r.persistLocked(); err != nil {
		logrus.WithError(err).WithField("domain", domain).
			Error("Could not persist route deletion")
	}

	logrus.WithField("domain", domain).Info("Deleted route")
	return true
}

func (r *routesImpl) persistLocked() error {
	if r.store == nil {
		return nil
	}

	snapshot := make(map[string]Backend, len(r.mappings))
	for domain, backend := range r.mappings {
		snapshot[domain] = backend
	}
	return r.store.Save(snapshot)
}
