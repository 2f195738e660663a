package main

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

func OpenDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS file_info (
		file_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		file_md5 TEXT,
		file_name TEXT NOT NULL,
		file_pid TEXT NOT NULL DEFAULT '0',
		file_size INTEGER NOT NULL DEFAULT 0,
		file_path TEXT,
		file_cover TEXT,
		file_category INTEGER NOT NULL DEFAULT 0,
		folder_type INTEGER NOT NULL DEFAULT 0,
		status INTEGER NOT NULL DEFAULT 0,
		del_flag INTEGER NOT NULL DEFAULT 2,
		create_time DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_update_time DATETIME DEFAULT CURRENT_TIMESTAMP,
		recovery_time DATETIME,
		PRIMARY KEY (file_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_file_md5 ON file_info(file_md5);
	CREATE INDEX IF NOT EXISTS idx_file_pid ON file_info(user_id, file_pid);
	CREATE INDEX IF NOT EXISTS idx_file_del_flag ON file_info(user_id, del_flag);

	CREATE TABLE IF NOT EXISTS user_info (
		user_id TEXT PRIMARY KEY,
		nick_name TEXT NOT NULL DEFAULT '',
		is_admin INTEGER NOT NULL DEFAULT 0,
		use_space INTEGER NOT NULL DEFAULT 0,
		total_space INTEGER NOT NULL DEFAULT 0,
		create_time DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
