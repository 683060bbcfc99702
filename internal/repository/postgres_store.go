package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"cupid-crypto/internal/cache"
	"cupid-crypto/internal/config"
	"cupid-crypto/internal/models"
	"cupid-crypto/pkg/apperr"
)

// pgUniqueViolation is the SQLSTATE Postgres raises for a unique-
// constraint violation.
const pgUniqueViolation = "23505"

// PostgresStore is the production Store implementation: pgx/v5 against
// Postgres for durability, with a SessionCache in front of session
// records for the hot path.
type PostgresStore struct {
	pool    *pgxpool.Pool
	cache   cache.SessionCache
	timeout time.Duration
	cacheTTL time.Duration
}

// NewPostgresStore opens a pgx pool against cfg.Postgres.DSN and wires
// it to the given session cache.
func NewPostgresStore(ctx context.Context, pgCfg config.PostgresConfig, storeCfg config.StoreConfig, sessionCache cache.SessionCache) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, pgCfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("repository: connecting to postgres: %w", err)
	}
	return &PostgresStore{
		pool:     pool,
		cache:    sessionCache,
		timeout:  storeCfg.OpTimeout,
		cacheTTL: storeCfg.SessionCacheTTL,
	}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return s.cache.Close()
}

func (s *PostgresStore) PutIdentityKey(ctx context.Context, key *models.IdentityKey) error {
	return withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO identity_keys (user_id, device_id, public_key, sealed_blob, dh_public_key, sealed_dh_blob, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (user_id, device_id) DO UPDATE
				SET public_key = EXCLUDED.public_key, sealed_blob = EXCLUDED.sealed_blob,
					dh_public_key = EXCLUDED.dh_public_key, sealed_dh_blob = EXCLUDED.sealed_dh_blob`,
			key.UserID, key.DeviceID, key.PublicKey, key.SealedBlob, key.DHPublicKey, key.SealedDHBlob)
		return err
	})
}

func (s *PostgresStore) GetIdentityKey(ctx context.Context, userID uuid.UUID, deviceID int) (*models.IdentityKey, error) {
	var out models.IdentityKey
	err := withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT user_id, device_id, public_key, sealed_blob, dh_public_key, sealed_dh_blob, created_at
			FROM identity_keys WHERE user_id = $1 AND device_id = $2`, userID, deviceID)
		return row.Scan(&out.UserID, &out.DeviceID, &out.PublicKey, &out.SealedBlob, &out.DHPublicKey, &out.SealedDHBlob, &out.CreatedAt)
	})
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.MissingKeys, "no identity key on file")
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) PutSignedPreKey(ctx context.Context, spk *models.SignedPreKey) error {
	return withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO signed_pre_keys (user_id, device_id, key_id, public_key, signature, sealed_blob, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, now(), $7)`,
			spk.UserID, spk.DeviceID, spk.KeyID, spk.PublicKey, spk.Signature, spk.SealedBlob, spk.ExpiresAt)
		return err
	})
}

func (s *PostgresStore) GetCurrentSignedPreKey(ctx context.Context, userID uuid.UUID, deviceID int) (*models.SignedPreKey, error) {
	var out models.SignedPreKey
	err := withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT user_id, device_id, key_id, public_key, signature, sealed_blob, created_at, expires_at
			FROM signed_pre_keys WHERE user_id = $1 AND device_id = $2
			ORDER BY created_at DESC LIMIT 1`, userID, deviceID)
		return row.Scan(&out.UserID, &out.DeviceID, &out.KeyID, &out.PublicKey, &out.Signature, &out.SealedBlob, &out.CreatedAt, &out.ExpiresAt)
	})
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.MissingKeys, "no signed pre-key on file")
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) ListSignedPreKeys(ctx context.Context, userID uuid.UUID, deviceID int) ([]models.SignedPreKey, error) {
	var out []models.SignedPreKey
	err := withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT user_id, device_id, key_id, public_key, signature, sealed_blob, created_at, expires_at
			FROM signed_pre_keys WHERE user_id = $1 AND device_id = $2 ORDER BY created_at DESC`, userID, deviceID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var spk models.SignedPreKey
			if err := rows.Scan(&spk.UserID, &spk.DeviceID, &spk.KeyID, &spk.PublicKey, &spk.Signature, &spk.SealedBlob, &spk.CreatedAt, &spk.ExpiresAt); err != nil {
				return err
			}
			out = append(out, spk)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PostgresStore) PutOneTimePreKeys(ctx context.Context, keys []models.OneTimePreKey) error {
	return withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, k := range keys {
			batch.Queue(`
				INSERT INTO one_time_pre_keys (user_id, device_id, key_id, public_key, sealed_blob, used, created_at)
				VALUES ($1, $2, $3, $4, $5, false, now())`,
				k.UserID, k.DeviceID, k.KeyID, k.PublicKey, k.SealedBlob)
		}
		br := s.pool.SendBatch(ctx, batch)
		defer br.Close()
		for range keys {
			if _, err := br.Exec(); err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
					return apperr.New(apperr.Conflict, "one-time pre-key id already on file")
				}
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) MaxOneTimePreKeyID(ctx context.Context, userID uuid.UUID, deviceID int) (int64, error) {
	var max int64
	err := withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT COALESCE(MAX(key_id), 0) FROM one_time_pre_keys WHERE user_id = $1 AND device_id = $2`,
			userID, deviceID)
		return row.Scan(&max)
	})
	return max, err
}

// ClaimOneTimePreKey performs the linearizable claim: an UPDATE ...
// WHERE used = false ... RETURNING picks and marks exactly one row
// atomically under Postgres's row-level locking, so two concurrent
// callers can never claim the same key.
func (s *PostgresStore) ClaimOneTimePreKey(ctx context.Context, userID uuid.UUID, deviceID int) (*models.OneTimePreKey, error) {
	var out models.OneTimePreKey
	err := withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			UPDATE one_time_pre_keys SET used = true, used_at = now()
			WHERE (user_id, device_id, key_id) = (
				SELECT user_id, device_id, key_id FROM one_time_pre_keys
				WHERE user_id = $1 AND device_id = $2 AND used = false
				ORDER BY key_id ASC LIMIT 1 FOR UPDATE SKIP LOCKED
			)
			RETURNING user_id, device_id, key_id, public_key, sealed_blob, used, used_at, created_at`,
			userID, deviceID)
		return row.Scan(&out.UserID, &out.DeviceID, &out.KeyID, &out.PublicKey, &out.SealedBlob, &out.Used, &out.UsedAt, &out.CreatedAt)
	})
	if err == pgx.ErrNoRows {
		return nil, nil // exhausted pool; callers proceed without a one-time key
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) GetOneTimePreKeyByID(ctx context.Context, userID uuid.UUID, deviceID int, keyID int64) (*models.OneTimePreKey, error) {
	var out models.OneTimePreKey
	err := withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT user_id, device_id, key_id, public_key, sealed_blob, used, used_at, created_at
			FROM one_time_pre_keys WHERE user_id = $1 AND device_id = $2 AND key_id = $3`,
			userID, deviceID, keyID)
		return row.Scan(&out.UserID, &out.DeviceID, &out.KeyID, &out.PublicKey, &out.SealedBlob, &out.Used, &out.UsedAt, &out.CreatedAt)
	})
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.MissingKeys, "no one-time pre-key with that id on file")
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) CountUnusedOneTimePreKeys(ctx context.Context, userID uuid.UUID, deviceID int) (int, error) {
	var count int
	err := withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT count(*) FROM one_time_pre_keys WHERE user_id = $1 AND device_id = $2 AND used = false`,
			userID, deviceID)
		return row.Scan(&count)
	})
	return count, err
}

func (s *PostgresStore) PurgeUsedOneTimePreKeys(ctx context.Context, olderThan time.Time) (int, error) {
	var n int64
	err := withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM one_time_pre_keys WHERE used = true AND used_at < $1`, olderThan)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return int(n), err
}

func (s *PostgresStore) GetPreKeyBundle(ctx context.Context, userID uuid.UUID, deviceID int) (*models.PreKeyBundle, error) {
	identity, err := s.GetIdentityKey(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	spk, err := s.GetCurrentSignedPreKey(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	otk, err := s.ClaimOneTimePreKey(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	return &models.PreKeyBundle{
		UserID:          userID,
		DeviceID:        deviceID,
		IdentitySignKey: identity.PublicKey,
		IdentityDHKey:   identity.DHPublicKey,
		SignedPreKey:    *spk,
		OneTimePreKey:   otk,
	}, nil
}

func sessionCacheKey(owner, peer uuid.UUID, peerDevice int) string {
	return fmt.Sprintf("session:%s:%s:%d", owner, peer, peerDevice)
}

func (s *PostgresStore) GetSession(ctx context.Context, owner, peer uuid.UUID, peerDevice int) (*models.Session, error) {
	key := sessionCacheKey(owner, peer, peerDevice)
	if raw, err := s.cache.Get(ctx, key); err == nil {
		var sess models.Session
		if jsonErr := json.Unmarshal(raw, &sess); jsonErr == nil {
			return &sess, nil
		}
	}

	var out models.Session
	err := withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT owner_user_id, peer_user_id, peer_device_id, root_key, send_chain_key, send_n,
			       recv_chain_key, recv_n, prev_chain_n, dh_private, dh_public, remote_dh_public,
			       created_at, updated_at, last_used_at
			FROM sessions WHERE owner_user_id = $1 AND peer_user_id = $2 AND peer_device_id = $3`,
			owner, peer, peerDevice)
		return row.Scan(&out.OwnerUserID, &out.PeerUserID, &out.PeerDeviceID, &out.RootKey, &out.SendKey, &out.SendN,
			&out.RecvKey, &out.RecvN, &out.PrevN, &out.DHPrivate, &out.DHPublic, &out.RemoteDHPublic,
			&out.CreatedAt, &out.UpdatedAt, &out.LastUsedAt)
	})
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.SessionMissing, "no session on file")
	}
	if err != nil {
		return nil, err
	}

	if raw, jsonErr := json.Marshal(out); jsonErr == nil {
		_ = s.cache.Set(ctx, key, raw, s.cacheTTL)
	}
	return &out, nil
}

func (s *PostgresStore) PutSession(ctx context.Context, sess *models.Session) error {
	err := withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO sessions (owner_user_id, peer_user_id, peer_device_id, root_key, send_chain_key, send_n,
			                       recv_chain_key, recv_n, prev_chain_n, dh_private, dh_public, remote_dh_public,
			                       created_at, updated_at, last_used_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12, now(), now(), now())
			ON CONFLICT (owner_user_id, peer_user_id, peer_device_id) DO UPDATE SET
				root_key = EXCLUDED.root_key, send_chain_key = EXCLUDED.send_chain_key, send_n = EXCLUDED.send_n,
				recv_chain_key = EXCLUDED.recv_chain_key, recv_n = EXCLUDED.recv_n, prev_chain_n = EXCLUDED.prev_chain_n,
				dh_private = EXCLUDED.dh_private, dh_public = EXCLUDED.dh_public, remote_dh_public = EXCLUDED.remote_dh_public,
				updated_at = now(), last_used_at = now()`,
			sess.OwnerUserID, sess.PeerUserID, sess.PeerDeviceID, sess.RootKey, sess.SendKey, sess.SendN,
			sess.RecvKey, sess.RecvN, sess.PrevN, sess.DHPrivate, sess.DHPublic, sess.RemoteDHPublic)
		return err
	})
	if err != nil {
		return err
	}
	// Invalidate-on-write: the next read repopulates from the row just
	// written rather than risk serving a stale cached copy.
	return s.cache.Delete(ctx, sessionCacheKey(sess.OwnerUserID, sess.PeerUserID, sess.PeerDeviceID))
}

func (s *PostgresStore) DeleteSession(ctx context.Context, owner, peer uuid.UUID, peerDevice int) error {
	err := withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE owner_user_id = $1 AND peer_user_id = $2 AND peer_device_id = $3`,
			owner, peer, peerDevice)
		return err
	})
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, sessionCacheKey(owner, peer, peerDevice))
}

func (s *PostgresStore) PurgeIdleSessions(ctx context.Context, idleSince time.Time) (int, error) {
	var n int64
	err := withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE last_used_at < $1`, idleSince)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return int(n), err
}

func (s *PostgresStore) GetRemoteIdentity(ctx context.Context, owner, peer uuid.UUID, peerDevice int) (*models.RemoteIdentity, error) {
	var out models.RemoteIdentity
	err := withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT owner_user_id, peer_user_id, peer_device_id, public_key, trust_state, first_seen_at, verified_at
			FROM remote_identities WHERE owner_user_id = $1 AND peer_user_id = $2 AND peer_device_id = $3`,
			owner, peer, peerDevice)
		return row.Scan(&out.OwnerUserID, &out.PeerUserID, &out.PeerDeviceID, &out.PublicKey, &out.TrustState, &out.FirstSeenAt, &out.VerifiedAt)
	})
	if err == pgx.ErrNoRows {
		return nil, nil // no prior pinned identity — caller treats as first contact
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) PutRemoteIdentity(ctx context.Context, ri *models.RemoteIdentity) error {
	return withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO remote_identities (owner_user_id, peer_user_id, peer_device_id, public_key, trust_state, first_seen_at, verified_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (owner_user_id, peer_user_id, peer_device_id) DO UPDATE SET
				public_key = EXCLUDED.public_key, trust_state = EXCLUDED.trust_state, verified_at = EXCLUDED.verified_at`,
			ri.OwnerUserID, ri.PeerUserID, ri.PeerDeviceID, ri.PublicKey, ri.TrustState, ri.FirstSeenAt, ri.VerifiedAt)
		return err
	})
}

func (s *PostgresStore) RecordRotation(ctx context.Context, h *models.KeyRotationHistory) error {
	return withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO key_rotation_history (user_id, device_id, old_key_id, new_key_id, rotated_at)
			VALUES ($1,$2,$3,$4,now())`,
			h.UserID, h.DeviceID, h.OldKeyID, h.NewKeyID)
		return err
	})
}

func (s *PostgresStore) LastRotation(ctx context.Context, userID uuid.UUID, deviceID int) (*models.KeyRotationHistory, error) {
	var out models.KeyRotationHistory
	err := withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT user_id, device_id, old_key_id, new_key_id, rotated_at FROM key_rotation_history
			WHERE user_id = $1 AND device_id = $2 ORDER BY rotated_at DESC LIMIT 1`, userID, deviceID)
		return row.Scan(&out.UserID, &out.DeviceID, &out.OldKeyID, &out.NewKeyID, &out.RotatedAt)
	})
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	return withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO audit_log (id, user_id, action, outcome, detail, created_at)
			VALUES ($1,$2,$3,$4,$5,now())`,
			entry.ID, entry.UserID, entry.Action, entry.Outcome, entry.Detail)
		return err
	})
}

func (s *PostgresStore) RecentAuditFailures(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT count(*) FROM audit_log WHERE user_id = $1 AND outcome != 'ok' AND created_at >= $2`,
			userID, since)
		return row.Scan(&count)
	})
	return count, err
}

func (s *PostgresStore) DeleteAllKeys(ctx context.Context, userID uuid.UUID, deviceID int) error {
	return withTimeout(ctx, s.timeout, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		stmts := []string{
			`DELETE FROM sessions WHERE owner_user_id = $1`,
			`DELETE FROM remote_identities WHERE owner_user_id = $1`,
			`DELETE FROM one_time_pre_keys WHERE user_id = $1 AND device_id = $2`,
			`DELETE FROM signed_pre_keys WHERE user_id = $1 AND device_id = $2`,
			`DELETE FROM identity_keys WHERE user_id = $1 AND device_id = $2`,
		}
		for i, stmt := range stmts {
			var err error
			if i < 2 {
				_, err = tx.Exec(ctx, stmt, userID)
			} else {
				_, err = tx.Exec(ctx, stmt, userID, deviceID)
			}
			if err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
}
