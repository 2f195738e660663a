package main

import (
	"database/sql"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileRecord lifecycle status. The only allowed transitions are
// TRANSFER -> READY and TRANSFER -> TRANSFER_FAILED, each exactly once.
const (
	StatusTransfer     = 0
	StatusTransferFail = 1
	StatusReady        = 2
)

// Logical delete flag.
const (
	DelFlagDeleted  = 0 // inside a recycled folder, hidden until purge/recover
	DelFlagRecycled = 1
	DelFlagActive   = 2
)

const (
	FolderTypeFile   = 0
	FolderTypeFolder = 1
)

const (
	CategoryVideo = 1
	CategoryMusic = 2
	CategoryImage = 3
	CategoryDoc   = 4
	CategoryOther = 5
)

// rootFolderID is the parent id of top-level entries.
const rootFolderID = "0"

type FileInfo struct {
	FileID         string     `json:"fileId"`
	UserID         string     `json:"userId"`
	FileMD5        string     `json:"fileMd5,omitempty"`
	FileName       string     `json:"fileName"`
	FilePid        string     `json:"filePid"`
	FileSize       int64      `json:"fileSize"`
	FilePath       string     `json:"-"`
	FileCover      string     `json:"fileCover,omitempty"`
	FileCategory   int        `json:"fileCategory"`
	FolderType     int        `json:"folderType"`
	Status         int        `json:"status"`
	DelFlag        int        `json:"delFlag"`
	CreateTime     time.Time  `json:"createTime"`
	LastUpdateTime time.Time  `json:"lastUpdateTime"`
	RecoveryTime   *time.Time `json:"recoveryTime,omitempty"`
}

// Catalog is the durable table of file and folder records.
type Catalog struct {
	db *sql.DB
}

func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

const fileInfoColumns = `file_id, user_id, file_md5, file_name, file_pid, file_size,
	file_path, file_cover, file_category, folder_type, status, del_flag,
	create_time, last_update_time, recovery_time`

func (c *Catalog) scanFileInfo(row interface{ Scan(...interface{}) error }) (*FileInfo, error) {
	var f FileInfo
	var md5, filePath, cover sql.NullString
	var recovery sql.NullTime
	err := row.Scan(&f.FileID, &f.UserID, &md5, &f.FileName, &f.FilePid, &f.FileSize,
		&filePath, &cover, &f.FileCategory, &f.FolderType, &f.Status, &f.DelFlag,
		&f.CreateTime, &f.LastUpdateTime, &recovery)
	if err != nil {
		return nil, err
	}
	f.FileMD5 = md5.String
	f.FilePath = filePath.String
	f.FileCover = cover.String
	if recovery.Valid {
		t := recovery.Time
		f.RecoveryTime = &t
	}
	return &f, nil
}

func (c *Catalog) Insert(f *FileInfo) error {
	if f.CreateTime.IsZero() {
		f.CreateTime = time.Now()
	}
	if f.LastUpdateTime.IsZero() {
		f.LastUpdateTime = f.CreateTime
	}
	_, err := c.db.Exec(`INSERT INTO file_info (`+fileInfoColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.FileID, f.UserID, nullable(f.FileMD5), f.FileName, f.FilePid, f.FileSize,
		nullable(f.FilePath), nullable(f.FileCover), f.FileCategory, f.FolderType,
		f.Status, f.DelFlag, f.CreateTime, f.LastUpdateTime, f.RecoveryTime)
	return err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (c *Catalog) FindByID(fileID, userID string) (*FileInfo, error) {
	row := c.db.QueryRow(`SELECT `+fileInfoColumns+` FROM file_info
		WHERE file_id = ? AND user_id = ?`, fileID, userID)
	f, err := c.scanFileInfo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

// FindUsableByHash returns the most recent READY, not logically deleted
// record carrying the given content hash, or nil. Pure catalog lookup, no
// bytes are read.
func (c *Catalog) FindUsableByHash(md5 string) (*FileInfo, error) {
	row := c.db.QueryRow(`SELECT `+fileInfoColumns+` FROM file_info
		WHERE file_md5 = ? AND status = ? AND del_flag = ? AND folder_type = ?
		ORDER BY create_time DESC LIMIT 1`,
		md5, StatusReady, DelFlagActive, FolderTypeFile)
	f, err := c.scanFileInfo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

// UpdateStatusWithOldStatus performs the terminal status transition. It is a
// conditional write: nothing happens unless the record is still in oldStatus,
// which makes redelivered transfer tasks harmless.
func (c *Catalog) UpdateStatusWithOldStatus(fileID, userID string, newStatus int, size int64, cover string, oldStatus int) (bool, error) {
	res, err := c.db.Exec(`UPDATE file_info
		SET status = ?, file_size = ?, file_cover = ?, last_update_time = ?
		WHERE file_id = ? AND user_id = ? AND status = ?`,
		newStatus, size, nullable(cover), time.Now(), fileID, userID, oldStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (c *Catalog) countSiblingName(userID, pid, name string, folderType int) (int, error) {
	query := `SELECT COUNT(*) FROM file_info
		WHERE user_id = ? AND file_pid = ? AND file_name = ? AND del_flag = ?`
	args := []interface{}{userID, pid, name, DelFlagActive}
	if folderType >= 0 {
		query += ` AND folder_type = ?`
		args = append(args, folderType)
	}
	var count int
	err := c.db.QueryRow(query, args...).Scan(&count)
	return count, err
}

// AutoRename appends a short random tag before the extension when a sibling
// with the same display name already exists under pid.
func (c *Catalog) AutoRename(userID, pid, name string) (string, error) {
	count, err := c.countSiblingName(userID, pid, name, -1)
	if err != nil {
		return "", err
	}
	if count == 0 {
		return name, nil
	}
	return renameWithTag(name), nil
}

func renameWithTag(name string) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	tag := strings.ReplaceAll(uuid.New().String(), "-", "")[:5]
	return base + "_" + tag + ext
}

// NewFolder creates a folder under pid. Duplicate names are rejected up
// front; a post-insert recount catches two concurrent creations that both
// won the pre-check.
func (c *Catalog) NewFolder(userID, pid, folderName string) (*FileInfo, error) {
	count, err := c.countSiblingName(userID, pid, folderName, FolderTypeFolder)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errNameExists(folderName)
	}

	folder := &FileInfo{
		FileID:     uuid.New().String(),
		UserID:     userID,
		FileName:   folderName,
		FilePid:    pid,
		FolderType: FolderTypeFolder,
		Status:     StatusReady,
		DelFlag:    DelFlagActive,
	}
	if err := c.Insert(folder); err != nil {
		return nil, err
	}

	count, err = c.countSiblingName(userID, pid, folderName, FolderTypeFolder)
	if err != nil {
		return nil, err
	}
	if count > 1 {
		return nil, errNameExists(folderName)
	}
	return folder, nil
}

// Rename changes a record's display name. File extensions are preserved.
func (c *Catalog) Rename(fileID, userID, newName string) (*FileInfo, error) {
	f, err := c.FindByID(fileID, userID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, ErrNotFound
	}

	// The collision check must see the full stored name, extension included.
	if f.FolderType == FolderTypeFile {
		newName = newName + path.Ext(f.FileName)
	}
	count, err := c.countSiblingName(userID, f.FilePid, newName, -1)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errNameExists(newName)
	}

	// Two concurrent renames may both pass the pre-check; the update and
	// the recount share a transaction so the losing rename is rolled back
	// rather than persisted alongside the error.
	tx, err := c.db.Begin()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if _, err := tx.Exec(`UPDATE file_info SET file_name = ?, last_update_time = ?
		WHERE file_id = ? AND user_id = ?`, newName, now, fileID, userID); err != nil {
		tx.Rollback()
		return nil, err
	}
	count = 0
	if err := tx.QueryRow(`SELECT COUNT(*) FROM file_info
		WHERE user_id = ? AND file_pid = ? AND file_name = ? AND del_flag = ?`,
		userID, f.FilePid, newName, DelFlagActive).Scan(&count); err != nil {
		tx.Rollback()
		return nil, err
	}
	if count > 1 {
		tx.Rollback()
		return nil, errNameExists(newName)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	f.FileName = newName
	f.LastUpdateTime = now
	return f, nil
}

// collectSubtree returns the ids of every descendant folder of rootID
// (rootID included) matching delFlag. Uses an explicit work stack so deep
// trees cannot exhaust the goroutine stack.
func (c *Catalog) collectSubtree(userID, rootID string, delFlag int) ([]string, error) {
	ids := []string{rootID}
	stack := []string{rootID}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		rows, err := c.db.Query(`SELECT file_id FROM file_info
			WHERE user_id = ? AND file_pid = ? AND del_flag = ? AND folder_type = ?`,
			userID, current, delFlag, FolderTypeFolder)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			ids = append(ids, id)
			stack = append(stack, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return ids, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// updateDelFlagBatch flips del_flag for rows selected either by parent id
// (pidList) or by file id (idList), guarded by the expected old flag.
func (c *Catalog) updateDelFlagBatch(userID string, pidList, idList []string, newFlag, oldFlag int, setRecovery, resetPid bool) error {
	set := "del_flag = ?, last_update_time = ?"
	args := []interface{}{newFlag, time.Now()}
	if setRecovery {
		set += ", recovery_time = ?"
		args = append(args, time.Now())
	}
	if resetPid {
		set += ", file_pid = ?"
		args = append(args, rootFolderID)
	}

	query := fmt.Sprintf("UPDATE file_info SET %s WHERE user_id = ? AND del_flag = ?", set)
	args = append(args, userID, oldFlag)
	switch {
	case len(pidList) > 0:
		query += fmt.Sprintf(" AND file_pid IN (%s)", placeholders(len(pidList)))
		for _, id := range pidList {
			args = append(args, id)
		}
	case len(idList) > 0:
		query += fmt.Sprintf(" AND file_id IN (%s)", placeholders(len(idList)))
		for _, id := range idList {
			args = append(args, id)
		}
	default:
		return nil
	}
	_, err := c.db.Exec(query, args...)
	return err
}

// MoveToRecycle marks the selected records RECYCLED and their whole
// subtrees DELETED so they vanish from listings together.
func (c *Catalog) MoveToRecycle(userID string, fileIDs []string) error {
	if len(fileIDs) == 0 {
		return nil
	}
	var subtreeRoots []string
	for _, fileID := range fileIDs {
		f, err := c.FindByID(fileID, userID)
		if err != nil {
			return err
		}
		if f == nil || f.DelFlag != DelFlagActive {
			continue
		}
		if f.FolderType == FolderTypeFolder {
			ids, err := c.collectSubtree(userID, fileID, DelFlagActive)
			if err != nil {
				return err
			}
			subtreeRoots = append(subtreeRoots, ids...)
		}
	}
	if len(subtreeRoots) > 0 {
		if err := c.updateDelFlagBatch(userID, subtreeRoots, nil, DelFlagDeleted, DelFlagActive, false, false); err != nil {
			return err
		}
	}
	return c.updateDelFlagBatch(userID, nil, fileIDs, DelFlagRecycled, DelFlagActive, true, false)
}

// RecoverBatch restores recycled records to the root folder, renaming on a
// clash with an existing root entry.
func (c *Catalog) RecoverBatch(userID string, fileIDs []string) error {
	if len(fileIDs) == 0 {
		return nil
	}
	var subtreeRoots []string
	var recovered []*FileInfo
	for _, fileID := range fileIDs {
		f, err := c.FindByID(fileID, userID)
		if err != nil {
			return err
		}
		if f == nil || f.DelFlag != DelFlagRecycled {
			continue
		}
		recovered = append(recovered, f)
		if f.FolderType == FolderTypeFolder {
			ids, err := c.collectSubtree(userID, fileID, DelFlagDeleted)
			if err != nil {
				return err
			}
			subtreeRoots = append(subtreeRoots, ids...)
		}
	}
	if len(subtreeRoots) > 0 {
		if err := c.updateDelFlagBatch(userID, subtreeRoots, nil, DelFlagActive, DelFlagDeleted, false, false); err != nil {
			return err
		}
	}
	if err := c.updateDelFlagBatch(userID, nil, fileIDs, DelFlagActive, DelFlagRecycled, false, true); err != nil {
		return err
	}
	for _, f := range recovered {
		count, err := c.countSiblingName(userID, rootFolderID, f.FileName, -1)
		if err != nil {
			return err
		}
		if count > 1 {
			if _, err := c.db.Exec(`UPDATE file_info SET file_name = ?, last_update_time = ?
				WHERE file_id = ? AND user_id = ?`,
				renameWithTag(f.FileName), time.Now(), f.FileID, userID); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteBatch purges recycled records and their subtrees from the catalog.
// Callers are expected to recount the user's usage afterwards.
func (c *Catalog) DeleteBatch(userID string, fileIDs []string, adminOp bool) error {
	if len(fileIDs) == 0 {
		return nil
	}
	var subtreeRoots []string
	for _, fileID := range fileIDs {
		f, err := c.FindByID(fileID, userID)
		if err != nil {
			return err
		}
		if f == nil {
			continue
		}
		if !adminOp && f.DelFlag != DelFlagRecycled {
			continue
		}
		if f.FolderType == FolderTypeFolder {
			ids, err := c.collectSubtree(userID, fileID, DelFlagDeleted)
			if err != nil {
				return err
			}
			subtreeRoots = append(subtreeRoots, ids...)
		}
	}
	if len(subtreeRoots) > 0 {
		query := fmt.Sprintf(`DELETE FROM file_info WHERE user_id = ? AND file_pid IN (%s)`,
			placeholders(len(subtreeRoots)))
		args := []interface{}{userID}
		for _, id := range subtreeRoots {
			args = append(args, id)
		}
		if _, err := c.db.Exec(query, args...); err != nil {
			return err
		}
	}
	query := fmt.Sprintf(`DELETE FROM file_info WHERE user_id = ? AND file_id IN (%s)`,
		placeholders(len(fileIDs)))
	args := []interface{}{userID}
	for _, id := range fileIDs {
		args = append(args, id)
	}
	_, err := c.db.Exec(query, args...)
	return err
}

// SelectUseSpace recounts the bytes a user's files occupy. Recycled files
// still count until they are purged.
func (c *Catalog) SelectUseSpace(userID string) (int64, error) {
	var total sql.NullInt64
	err := c.db.QueryRow(`SELECT SUM(file_size) FROM file_info
		WHERE user_id = ? AND folder_type = ?`, userID, FolderTypeFile).Scan(&total)
	return total.Int64, err
}
