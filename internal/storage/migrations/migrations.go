// Package migrations 管理 kv 存储的表结构版本
package migrations

import (
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

const versionTable = "_migrations"

// Script 一个迁移脚本
type Script struct {
	Version int
	Name    string
	SQL     string
}

// Run 按版本顺序执行尚未应用的脚本，每个脚本一个事务
func Run(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + versionTable + ` (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create %s: %w", versionTable, err)
	}

	done, err := appliedVersions(db)
	if err != nil {
		return fmt.Errorf("read applied versions: %w", err)
	}

	scripts, err := Scripts()
	if err != nil {
		return err
	}
	for _, s := range scripts {
		if done[s.Version] {
			continue
		}
		if err := apply(db, s); err != nil {
			return fmt.Errorf("apply %s: %w", s.Name, err)
		}
	}
	return nil
}

// Version 返回已应用的最高版本，未迁移时为 0
func Version(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM " + versionTable).Scan(&v)
	return v, err
}

// Pending 返回尚未应用的版本号（升序）
func Pending(db *sql.DB) ([]int, error) {
	done, err := appliedVersions(db)
	if err != nil {
		return nil, err
	}
	scripts, err := Scripts()
	if err != nil {
		return nil, err
	}

	var pending []int
	for _, s := range scripts {
		if !done[s.Version] {
			pending = append(pending, s.Version)
		}
	}
	return pending, nil
}

// Scripts 读取内嵌的脚本并按版本排序。文件名必须是 NNN_name.sql
func Scripts() ([]Script, error) {
	// embed.FS 总是使用正斜杠
	names, err := fs.Glob(FS, "scripts/*.sql")
	if err != nil {
		return nil, err
	}

	scripts := make([]Script, 0, len(names))
	seen := make(map[int]string, len(names))
	for _, name := range names {
		base := path.Base(name)
		prefix, _, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", base)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: invalid version %q", base, prefix)
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration %s: version %d already used by %s", base, version, other)
		}
		seen[version] = base

		body, err := fs.ReadFile(FS, name)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, Script{Version: version, Name: base, SQL: string(body)})
	}

	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Version < scripts[j].Version })
	return scripts, nil
}

func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query("SELECT version FROM " + versionTable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		done[v] = true
	}
	return done, rows.Err()
}

func apply(db *sql.DB, s Script) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(s.SQL); err != nil {
		return fmt.Errorf("execute SQL: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO "+versionTable+" (version, name) VALUES (?, ?)", s.Version, s.Name); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}
