package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "OpenPlan-Chain/internal/errors"
)

// memoryRetainLimit 控制内存仓库保留的最近运行记录数量。
const memoryRetainLimit = 512

// CodeRunNotFound 标识运行记录不存在。
var CodeRunNotFound = xerrors.Code("RUN_NOT_FOUND")

func init() {
	xerrors.Register(CodeRunNotFound, xerrors.Attributes{
		Retryable: false,
		Severity:  xerrors.SeverityWarning,
	})
}

// RunRecord 表示一次编排运行的落库结构。
type RunRecord struct {
	ID        string `json:"id"`
	Goal      string `json:"goal"`
	Answer    string `json:"answer"`
	EndedBy   string `json:"ended_by"`
	PlansJSON string `json:"plans_json"`
	Turns     int    `json:"turns"`
	CreatedAt int64  `json:"created_at"`
}

// RunRepository 抽象运行记录的持久化接口。
type RunRepository interface {
	Save(ctx context.Context, record RunRecord) error
	GetByID(ctx context.Context, id string) (*RunRecord, error)
	ListLatest(ctx context.Context, limit int) ([]RunRecord, error)
	Close() error
}

// MemoryRunRepository 使用本地 JSON 行文件模拟 MySQL 的效果，方便迭代开发。
type MemoryRunRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []RunRecord
}

var _ RunRepository = (*MemoryRunRepository)(nil)

// NewMemoryRunRepository 创建一个内存运行仓库。
func NewMemoryRunRepository(dataDir string) (*MemoryRunRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "runs.log")
	repo := &MemoryRunRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录运行结果。
func (m *MemoryRunRepository) Save(_ context.Context, record RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开运行日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化运行记录失败: %w", err)
	}

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入运行日志失败: %w", err)
	}

	m.records = append([]RunRecord{record}, m.records...)
	if len(m.records) > memoryRetainLimit {
		m.records = m.records[:memoryRetainLimit]
	}
	return nil
}

// GetByID 按运行 ID 查询记录。
func (m *MemoryRunRepository) GetByID(_ context.Context, id string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := range m.records {
		if m.records[i].ID == id {
			record := m.records[i]
			return &record, nil
		}
	}
	return nil, xerrors.New(CodeRunNotFound, fmt.Sprintf("运行记录 %s 不存在", id))
}

// ListLatest 返回最近的运行记录，按时间倒序排列。
func (m *MemoryRunRepository) ListLatest(_ context.Context, limit int) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}

	results := make([]RunRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// Close 实现 RunRepository 接口，内存仓库无需释放资源。
func (m *MemoryRunRepository) Close() error { return nil }

func (m *MemoryRunRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取运行日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []RunRecord
	for scanner.Scan() {
		var record RunRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]RunRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析运行日志失败: %w", err)
	}

	if len(restored) > memoryRetainLimit {
		restored = restored[:memoryRetainLimit]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}

// SQLRunRepository 使用真实的 MySQL 数据库存储运行信息。
type SQLRunRepository struct {
	db *sql.DB
}

var _ RunRepository = (*SQLRunRepository)(nil)

// NewSQLRunRepository 创建连接池并初始化数据表。
func NewSQLRunRepository(dsn string) (*SQLRunRepository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	repo := &SQLRunRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (s *SQLRunRepository) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS plan_runs (
        id VARCHAR(64) NOT NULL PRIMARY KEY,
        goal TEXT NOT NULL,
        answer TEXT NOT NULL,
        ended_by VARCHAR(32) NOT NULL,
        plans_json MEDIUMTEXT NOT NULL,
        turns INT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        INDEX idx_runs_created_at (created_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("初始化 plan_runs 表失败: %w", err)
	}
	return nil
}

// Save 将运行记录写入 MySQL。
func (s *SQLRunRepository) Save(ctx context.Context, record RunRecord) error {
	const stmt = `INSERT INTO plan_runs
        (id, goal, answer, ended_by, plans_json, turns, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		record.Goal,
		record.Answer,
		record.EndedBy,
		record.PlansJSON,
		record.Turns,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// GetByID 按运行 ID 查询记录。
func (s *SQLRunRepository) GetByID(ctx context.Context, id string) (*RunRecord, error) {
	const stmt = `SELECT id, goal, answer, ended_by, plans_json, turns, created_at
        FROM plan_runs WHERE id = ?`

	var record RunRecord
	err := s.db.QueryRowContext(ctx, stmt, id).Scan(
		&record.ID,
		&record.Goal,
		&record.Answer,
		&record.EndedBy,
		&record.PlansJSON,
		&record.Turns,
		&record.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(CodeRunNotFound, fmt.Sprintf("运行记录 %s 不存在", id))
	}
	if err != nil {
		return nil, fmt.Errorf("查询运行记录失败: %w", err)
	}
	return &record, nil
}

// ListLatest 查询最近的若干条运行记录。
func (s *SQLRunRepository) ListLatest(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, goal, answer, ended_by, plans_json, turns, created_at
        FROM plan_runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询运行记录失败: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var record RunRecord
		if err := rows.Scan(&record.ID, &record.Goal, &record.Answer, &record.EndedBy, &record.PlansJSON, &record.Turns, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析运行记录失败: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历运行记录失败: %w", err)
	}

	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLRunRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
