// Package k8s stores locks as coordination.k8s.io/v1 Lease objects. The
// API server's resourceVersion check makes every update a compare-and-set.
//
// The pod's ServiceAccount needs get, create and update on leases.
package k8s

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	coordinationclient "k8s.io/client-go/kubernetes/typed/coordination/v1"
	"k8s.io/client-go/rest"

	"github.com/adityajoshi12/shedlock-go/v2"
)

const (
	annotationName      = "shedlock.io/name"
	annotationLockUntil = "shedlock.io/lock-until"
	managedByLabel      = "app.kubernetes.io/managed-by"
)

var (
	nameReplaceRegex  = regexp.MustCompile(`[^a-z0-9-]`)
	nameCollapseRegex = regexp.MustCompile(`-+`)
)

// Options configures the Lease store.
type Options struct {
	// Namespace defaults to $POD_NAMESPACE or "default".
	Namespace string
	// Prefix of Lease names, defaults to "shedlock-".
	Prefix string
	// Client defaults to an in-cluster client.
	Client kubernetes.Interface
	// ClockSkew is added to lockUntil before another node may take over a
	// lease that expired without being released. Zero, the default, lets a
	// lease be taken as soon as lockUntil has passed.
	ClockSkew time.Duration
}

// Store implements shedlock.LockStore with Kubernetes Leases.
type Store struct {
	client    kubernetes.Interface
	namespace string
	prefix    string
	clockSkew time.Duration
}

// NewStore creates a Lease-backed lock store.
func NewStore(opts Options) (*Store, error) {
	if opts.Namespace == "" {
		opts.Namespace = getEnvOrDefault("POD_NAMESPACE", "default")
	}
	if opts.Prefix == "" {
		opts.Prefix = "shedlock-"
	}
	opts.ClockSkew = max(opts.ClockSkew, 0)

	client := opts.Client
	if client == nil {
		config, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
		}
		client, err = kubernetes.NewForConfig(config)
		if err != nil {
			return nil, fmt.Errorf("failed to create k8s client: %w", err)
		}
	}

	return &Store{
		client:    client,
		namespace: opts.Namespace,
		prefix:    opts.Prefix,
		clockSkew: opts.ClockSkew,
	}, nil
}

// Namespace returns the namespace the Leases live in.
func (s *Store) Namespace() string {
	return s.namespace
}

func (s *Store) InsertRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.leaseName(name),
			Namespace: s.namespace,
			Labels:    map[string]string{managedByLabel: "shedlock"},
		},
	}
	setHolder(lease, name, lockUntil, now, holder)

	_, err := s.leases().Create(ctx, lease, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create lease for lock %q: %w", name, err)
	}
	return true, nil
}

func (s *Store) UpdateRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	lease, found, err := s.get(ctx, name)
	if err != nil || !found {
		return false, err
	}
	if !s.expired(lease, now) {
		return false, nil
	}
	setHolder(lease, name, lockUntil, now, holder)
	return s.update(ctx, name, lease)
}

func (s *Store) ExtendRecord(ctx context.Context, name string, lockUntil, now time.Time, holder string) (bool, error) {
	lease, found, err := s.get(ctx, name)
	if err != nil || !found {
		return false, err
	}
	if holderOf(lease) != holder || !lockUntilOf(lease).After(now) {
		return false, nil
	}
	setLockUntil(lease, lockUntil, now)
	renew := metav1.NewMicroTime(now)
	lease.Spec.RenewTime = &renew
	return s.update(ctx, name, lease)
}

// ReleaseRecord implements shedlock.LockStore. A conflict means another node
// changed the lease, so there is nothing left to release. A lease released
// with no minimum hold left loses its holder, which frees it regardless of
// the clock skew allowance.
func (s *Store) ReleaseRecord(ctx context.Context, name string, unlockTime, now time.Time, holder string) error {
	lease, found, err := s.get(ctx, name)
	if err != nil || !found {
		return err
	}
	if holderOf(lease) != holder {
		return nil
	}
	setLockUntil(lease, unlockTime, now)
	if !unlockTime.After(now) {
		lease.Spec.HolderIdentity = nil
	}
	_, err = s.update(ctx, name, lease)
	return err
}

func (s *Store) FindRecord(ctx context.Context, name string) (shedlock.LockRecord, bool, error) {
	lease, found, err := s.get(ctx, name)
	if err != nil || !found {
		return shedlock.LockRecord{}, false, err
	}
	record := shedlock.LockRecord{
		Name:      name,
		LockUntil: lockUntilOf(lease),
		LockedBy:  holderOf(lease),
	}
	if lease.Spec.AcquireTime != nil {
		record.LockedAt = lease.Spec.AcquireTime.UTC()
	}
	return record, true, nil
}

func (s *Store) leases() coordinationclient.LeaseInterface {
	return s.client.CoordinationV1().Leases(s.namespace)
}

func (s *Store) get(ctx context.Context, name string) (*coordinationv1.Lease, bool, error) {
	lease, err := s.leases().Get(ctx, s.leaseName(name), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get lease for lock %q: %w", name, err)
	}
	return lease, true, nil
}

func (s *Store) update(ctx context.Context, name string, lease *coordinationv1.Lease) (bool, error) {
	_, err := s.leases().Update(ctx, lease, metav1.UpdateOptions{})
	if apierrors.IsConflict(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to update lease for lock %q: %w", name, err)
	}
	return true, nil
}

// expired treats a lease as free once it has no holder or lockUntil plus the
// clock skew has passed.
func (s *Store) expired(lease *coordinationv1.Lease, now time.Time) bool {
	if holderOf(lease) == "" {
		return true
	}
	return !lockUntilOf(lease).Add(s.clockSkew).After(now)
}

func (s *Store) leaseName(name string) string {
	return s.prefix + sanitizeName(name, len(s.prefix))
}

func setHolder(lease *coordinationv1.Lease, name string, lockUntil, now time.Time, holder string) {
	acquired := metav1.NewMicroTime(now)
	lease.Spec.HolderIdentity = &holder
	lease.Spec.AcquireTime = &acquired
	lease.Spec.RenewTime = &acquired
	if lease.Annotations == nil {
		lease.Annotations = map[string]string{}
	}
	lease.Annotations[annotationName] = name
	setLockUntil(lease, lockUntil, now)
}

// setLockUntil stores the exact deadline in an annotation; the whole-second
// LeaseDurationSeconds is kept for kubectl readers.
func setLockUntil(lease *coordinationv1.Lease, lockUntil, now time.Time) {
	if lease.Annotations == nil {
		lease.Annotations = map[string]string{}
	}
	lease.Annotations[annotationLockUntil] = lockUntil.UTC().Format(time.RFC3339Nano)

	seconds := int32(0)
	if d := lockUntil.Sub(now); d > 0 {
		seconds = int32((d + time.Second - 1) / time.Second)
	}
	lease.Spec.LeaseDurationSeconds = &seconds
}

func holderOf(lease *coordinationv1.Lease) string {
	if lease.Spec.HolderIdentity == nil {
		return ""
	}
	return *lease.Spec.HolderIdentity
}

// lockUntilOf reads the deadline annotation, falling back to renewTime plus
// the lease duration for leases written by other tools.
func lockUntilOf(lease *coordinationv1.Lease) time.Time {
	if raw, ok := lease.Annotations[annotationLockUntil]; ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t
		}
	}
	if lease.Spec.RenewTime == nil || lease.Spec.LeaseDurationSeconds == nil {
		return time.Time{}
	}
	return lease.Spec.RenewTime.Add(time.Duration(*lease.Spec.LeaseDurationSeconds) * time.Second).UTC()
}

// sanitizeName turns a lock name into a valid Lease name suffix. A hash of the
// original name is appended whenever sanitising changed it or it had to be
// truncated, so distinct lock names never share a Lease.
func sanitizeName(name string, prefixLen int) string {
	if name == "" {
		return ""
	}

	lowered := strings.ToLower(name)
	sanitized := nameReplaceRegex.ReplaceAllString(lowered, "-")
	sanitized = nameCollapseRegex.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")

	const maxNameLen = 63

	maxLen := max(maxNameLen-prefixLen, 1)
	if sanitized == name && len(sanitized) <= maxLen {
		return sanitized
	}

	suffix := nameHash(name)
	keep := max(maxLen-1-len(suffix), 1)
	if len(sanitized) > keep {
		sanitized = strings.TrimRight(sanitized[:keep], "-")
	}
	if sanitized == "" {
		return suffix
	}
	return sanitized + "-" + suffix
}

func nameHash(name string) string {
	hash := sha256.Sum256([]byte(name))
	return hex.EncodeToString(hash[:])[:8]
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

var (
	_ shedlock.LockStore    = (*Store)(nil)
	_ shedlock.RecordFinder = (*Store)(nil)
)
