package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"OpenCRM-Dialog/internal/directory"
	xerrors "OpenCRM-Dialog/internal/errors"
	"OpenCRM-Dialog/internal/session"
)

const (
	errDuplicateEntry = 1062

	selectColumns = `id, owner_id, kind, display, email, phone, fields, created_at, updated_at`

	searchEntitiesSQL = `SELECT ` + selectColumns + ` FROM crm_entities
    WHERE owner_id = ? AND kind = ? AND (LOWER(display) LIKE ? OR LOWER(email) LIKE ? OR LOWER(phone) LIKE ?)
    ORDER BY display, id`
	getEntitySQL       = `SELECT ` + selectColumns + ` FROM crm_entities WHERE id = ? AND owner_id = ?`
	getEntityLockedSQL = getEntitySQL + ` FOR UPDATE`
	insertEntitySQL    = `INSERT INTO crm_entities
    (id, owner_id, kind, display, email, phone, fields, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	updateEntitySQL = `UPDATE crm_entities SET display = ?, email = ?, phone = ?, fields = ?, updated_at = ?
    WHERE id = ? AND owner_id = ?`
	deleteEntitySQL = `DELETE FROM crm_entities WHERE id = ? AND owner_id = ?`
)

// SQLDirectory 基于 MySQL 实现 directory.Store，所有查询都限定在记录所有者范围内。
type SQLDirectory struct {
	db *sql.DB
}

// NewSQLDirectory 建立连接池并执行内置迁移。
func NewSQLDirectory(ctx context.Context, cfg Config) (*SQLDirectory, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := &SQLDirectory{db: db}
	if err := migrate(ctx, db, nil); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Search 实现 directory.Searcher，按展示名、邮箱、电话做不区分大小写的子串匹配。
func (s *SQLDirectory) Search(ctx context.Context, ownerID string, kind session.EntityKind, term string) ([]directory.Record, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil, nil
	}
	pattern := "%" + escapeLike(term) + "%"
	rows, err := s.db.QueryContext(ctx, searchEntitiesSQL, ownerID, string(kind), pattern, pattern, pattern)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "检索 CRM 记录失败")
	}
	defer rows.Close()

	var out []directory.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 CRM 记录失败")
	}
	return out, nil
}

// Get 读取单条记录。
func (s *SQLDirectory) Get(ctx context.Context, ownerID, id string) (*directory.Record, error) {
	record, err := scanRecord(s.db.QueryRowContext(ctx, getEntitySQL, id, ownerID))
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, directory.ErrRecordNotFound
	}
	return record, err
}

// Create 插入新记录，未指定 ID 时自动生成。
func (s *SQLDirectory) Create(ctx context.Context, record *directory.Record) error {
	if record == nil || record.OwnerID == "" || record.Kind == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录缺少 owner 或 kind")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := time.Now().UTC().Truncate(time.Second)
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	fields, err := encodeFields(record.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, insertEntitySQL,
		record.ID,
		record.OwnerID,
		string(record.Kind),
		record.Display,
		record.Email,
		record.Phone,
		fields,
		record.CreatedAt.Unix(),
		record.UpdatedAt.Unix(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry {
			return directory.ErrRecordConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入 CRM 记录失败")
	}
	return nil
}

// Update 在事务内合并字段后写回，并把最新状态回填到入参。
func (s *SQLDirectory) Update(ctx context.Context, record *directory.Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录不能为空")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanRecord(tx.QueryRowContext(ctx, getEntityLockedSQL, record.ID, record.OwnerID))
		if stdErrors.Is(err, sql.ErrNoRows) {
			return directory.ErrRecordNotFound
		}
		if err != nil {
			return err
		}

		if record.Display != "" {
			existing.Display = record.Display
		}
		if record.Email != "" {
			existing.Email = record.Email
		}
		if record.Phone != "" {
			existing.Phone = record.Phone
		}
		if existing.Fields == nil {
			existing.Fields = make(map[string]any, len(record.Fields))
		}
		for key, value := range record.Fields {
			existing.Fields[key] = value
		}
		existing.UpdatedAt = time.Now().UTC().Truncate(time.Second)

		fields, err := encodeFields(existing.Fields)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, updateEntitySQL,
			existing.Display,
			existing.Email,
			existing.Phone,
			fields,
			existing.UpdatedAt.Unix(),
			existing.ID,
			existing.OwnerID,
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新 CRM 记录失败")
		}
		*record = *existing
		return nil
	})
}

// Delete 删除记录，不存在时返回 ErrRecordNotFound。
func (s *SQLDirectory) Delete(ctx context.Context, ownerID, id string) error {
	result, err := s.db.ExecContext(ctx, deleteEntitySQL, id, ownerID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 CRM 记录失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取删除结果失败")
	}
	if affected == 0 {
		return directory.ErrRecordNotFound
	}
	return nil
}

// Close 关闭连接池。
func (s *SQLDirectory) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLDirectory) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*directory.Record, error) {
	var (
		record    directory.Record
		kind      string
		fields    sql.NullString
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&record.ID, &record.OwnerID, &kind, &record.Display, &record.Email, &record.Phone,
		&fields, &createdAt, &updatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 CRM 记录失败")
	}
	record.Kind = session.EntityKind(kind)
	record.CreatedAt = time.Unix(createdAt, 0).UTC()
	record.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if fields.Valid && strings.TrimSpace(fields.String) != "" {
		if err := json.Unmarshal([]byte(fields.String), &record.Fields); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 CRM 记录字段失败")
		}
	}
	return &record, nil
}

func encodeFields(fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "", nil
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 CRM 记录字段失败")
	}
	return string(encoded), nil
}

func escapeLike(term string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(term)
}

var _ directory.Store = (*SQLDirectory)(nil)
