package storage

import (
	"database/sql"
	"errors"
	"time"
)

// prefixMatch 按字面前缀匹配键，不受 LIKE 通配符 % 和 _ 影响。参数依次为 prefix, prefix
const prefixMatch = "substr(key, 1, length(?)) = ?"

// KVSet 设置键值，ttl 为 0 表示永不过期
func (db *DB) KVSet(key, value string, ttl time.Duration) error {
	return db.WithTx(func(tx *sql.Tx) error {
		return kvPut(tx, key, value, ttl)
	})
}

// KVSetLimited 与 KVSet 相同，但新键会使 prefix 下的有效键数超过 maxKeys 时返回 ErrQuotaExceeded。
// maxKeys <= 0 表示不限制
func (db *DB) KVSetLimited(prefix, key, value string, ttl time.Duration, maxKeys int) error {
	return db.WithTx(func(tx *sql.Tx) error {
		if maxKeys > 0 {
			var exists int
			err := tx.QueryRow("SELECT COUNT(*) FROM kv_store WHERE key = ?", key).Scan(&exists)
			if err != nil {
				return err
			}
			if exists == 0 {
				var n int
				err := tx.QueryRow(
					"SELECT COUNT(*) FROM kv_store WHERE "+prefixMatch+" AND (expires_at IS NULL OR expires_at >= ?)",
					prefix, prefix, time.Now(),
				).Scan(&n)
				if err != nil {
					return err
				}
				if n >= maxKeys {
					return ErrQuotaExceeded
				}
			}
		}
		return kvPut(tx, key, value, ttl)
	})
}

func kvPut(tx *sql.Tx, key, value string, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	_, err := tx.Exec(
		"INSERT OR REPLACE INTO kv_store (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)",
		key, value, expiresAt, time.Now(),
	)
	return err
}

// KVGet 获取键值，过期的键会被顺带删除
func (db *DB) KVGet(key string) (string, error) {
	var value string
	var expiresAt sql.NullTime

	err := db.QueryRow(
		"SELECT value, expires_at FROM kv_store WHERE key = ?",
		key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	if expiresAt.Valid && expiresAt.Time.Before(time.Now()) {
		_, _ = db.Exec("DELETE FROM kv_store WHERE key = ?", key)
		return "", ErrNotFound
	}
	return value, nil
}

// KVDelete 删除键值
func (db *DB) KVDelete(key string) error {
	result, err := db.Exec("DELETE FROM kv_store WHERE key = ?", key)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// KVList 按前缀列出未过期的键值对
func (db *DB) KVList(prefix string) (map[string]string, error) {
	rows, err := db.Query(
		"SELECT key, value FROM kv_store WHERE "+prefixMatch+" AND (expires_at IS NULL OR expires_at >= ?)",
		prefix, prefix, time.Now(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		result[key] = value
	}
	return result, rows.Err()
}

// KVCount 返回未过期的键数量
func (db *DB) KVCount() (int64, error) {
	var n int64
	err := db.QueryRow(
		"SELECT COUNT(*) FROM kv_store WHERE expires_at IS NULL OR expires_at >= ?",
		time.Now(),
	).Scan(&n)
	return n, err
}

// KVCleanExpired 清理过期的键值对，返回删除数量
func (db *DB) KVCleanExpired() (int64, error) {
	result, err := db.Exec(
		"DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at < ?",
		time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// KVExists 检查键是否存在且未过期
func (db *DB) KVExists(key string) (bool, error) {
	var expiresAt sql.NullTime
	err := db.QueryRow("SELECT expires_at FROM kv_store WHERE key = ?", key).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !(expiresAt.Valid && expiresAt.Time.Before(time.Now())), nil
}
