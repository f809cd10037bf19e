package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"carelink-escalation/internal/models"

	"go.uber.org/zap"
)

// ErrStateConflict 状态写入 CAS 冲突（WHERE escalation_tier 不匹配，0 行受影响）
var ErrStateConflict = errors.New("alert state conflict: escalation_tier mismatch")

// AlertRecordsRepository 报警记录仓库（对应 alert_records 表）
// 持久化是崩溃恢复的事实来源；定时器正确性完全在进程内，不依赖数据库
type AlertRecordsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRecordsRepository 创建报警记录仓库
func NewAlertRecordsRepository(db *sql.DB, logger *zap.Logger) *AlertRecordsRepository {
	return &AlertRecordsRepository{
		db:     db,
		logger: logger,
	}
}

// AlertFilters 报警查询过滤条件
type AlertFilters struct {
	RoomID        *string             // 房间ID
	Status        *models.AlertStatus // 报警状态
	Statuses      []models.AlertStatus // 报警状态列表（IN 查询）
	UrgencyLevel  *int                // 紧急级别
	StartTime     *time.Time          // 创建时间 >= StartTime
	EndTime       *time.Time          // 创建时间 <= EndTime
	MinTier       *int                // escalation_tier >= MinTier
}

const alertColumns = `
		alert_id,
		tenant_id,
		room_id,
		urgency_level,
		status,
		escalation_tier,
		created_at,
		next_escalation_at,
		acknowledged_at,
		acknowledged_by,
		updated_at`

// ============================================
// 基础 CRUD 操作
// ============================================

// CreateAlert 创建报警记录（tier=1 初始状态，需验证 tenant_id）
func (r *AlertRecordsRepository) CreateAlert(ctx context.Context, tenantID string, alert *models.Alert) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alert == nil {
		return fmt.Errorf("alert is required")
	}
	if alert.TenantID != tenantID {
		return fmt.Errorf("alert.tenant_id must match tenant_id parameter")
	}

	query := `
		INSERT INTO alert_records (
			alert_id,
			tenant_id,
			room_id,
			urgency_level,
			status,
			escalation_tier,
			created_at,
			next_escalation_at,
			acknowledged_at,
			acknowledged_by,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, CURRENT_TIMESTAMP
		)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		alert.AlertID,
		alert.TenantID,
		alert.RoomID,
		alert.UrgencyLevel,
		string(alert.Status),
		alert.EscalationTier,
		alert.CreatedAt,
		alert.NextEscalationAt,
		alert.AcknowledgedAt,
		alert.AcknowledgedBy,
	)

	if err != nil {
		return fmt.Errorf("failed to create alert record: %w", err)
	}

	return nil
}

// GetAlert 根据 alert_id 获取单条报警记录（需验证 tenant_id）
func (r *AlertRecordsRepository) GetAlert(ctx context.Context, tenantID, alertID string) (*models.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alert_records
		WHERE alert_id = $1
		  AND tenant_id = $2
	`, alertColumns)

	row := r.db.QueryRowContext(ctx, query, alertID, tenantID)
	alert, err := scanAlert(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alert not found: alert_id=%s, tenant_id=%s", alertID, tenantID)
		}
		return nil, fmt.Errorf("failed to get alert record: %w", err)
	}

	return alert, nil
}

// SaveAlertState 持久化报警状态变更（compare-and-set）
// WHERE 条件带 expectedTier，避免罕见并发写者下的丢失更新；
// 0 行受影响返回 ErrStateConflict
func (r *AlertRecordsRepository) SaveAlertState(ctx context.Context, tenantID string, alert *models.Alert, expectedTier int) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alert == nil {
		return fmt.Errorf("alert is required")
	}

	query := `
		UPDATE alert_records
		SET status = $1,
		    escalation_tier = $2,
		    next_escalation_at = $3,
		    acknowledged_at = $4,
		    acknowledged_by = $5,
		    updated_at = CURRENT_TIMESTAMP
		WHERE alert_id = $6
		  AND tenant_id = $7
		  AND escalation_tier = $8
	`

	result, err := r.db.ExecContext(ctx, query,
		string(alert.Status),
		alert.EscalationTier,
		alert.NextEscalationAt,
		alert.AcknowledgedAt,
		alert.AcknowledgedBy,
		alert.AlertID,
		tenantID,
		expectedTier,
	)
	if err != nil {
		return fmt.Errorf("failed to save alert state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert_id=%s expected_tier=%d: %w", alert.AlertID, expectedTier, ErrStateConflict)
	}

	return nil
}

// LoadActiveAlerts 加载所有有未决升级定时器的报警（next_escalation_at 非空）
// 启动恢复专用：调度器按存储的 deadline 原样重新布防定时器
func (r *AlertRecordsRepository) LoadActiveAlerts(ctx context.Context, tenantID string) ([]*models.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alert_records
		WHERE tenant_id = $1
		  AND next_escalation_at IS NOT NULL
		ORDER BY next_escalation_at ASC
	`, alertColumns)

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert record: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert records: %w", err)
	}

	return alerts, nil
}

// ============================================
// 查询操作
// ============================================

// ListAlerts 列表查询（支持多条件过滤、分页）
func (r *AlertRecordsRepository) ListAlerts(ctx context.Context, tenantID string, filters AlertFilters, page, size int) ([]*models.Alert, int, error) {
	if tenantID == "" {
		return []*models.Alert{}, 0, nil
	}

	// 构建 WHERE 子句
	args := []interface{}{tenantID}
	argN := 2
	where := []string{"tenant_id = $1"}

	if filters.RoomID != nil {
		where = append(where, fmt.Sprintf("room_id = $%d", argN))
		args = append(args, *filters.RoomID)
		argN++
	}
	if filters.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argN))
		args = append(args, string(*filters.Status))
		argN++
	}
	if len(filters.Statuses) > 0 {
		placeholders := make([]string, len(filters.Statuses))
		for i := range filters.Statuses {
			placeholders[i] = fmt.Sprintf("$%d", argN)
			args = append(args, string(filters.Statuses[i]))
			argN++
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filters.UrgencyLevel != nil {
		where = append(where, fmt.Sprintf("urgency_level = $%d", argN))
		args = append(args, *filters.UrgencyLevel)
		argN++
	}
	if filters.StartTime != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", argN))
		args = append(args, *filters.StartTime)
		argN++
	}
	if filters.EndTime != nil {
		where = append(where, fmt.Sprintf("created_at <= $%d", argN))
		args = append(args, *filters.EndTime)
		argN++
	}
	if filters.MinTier != nil {
		where = append(where, fmt.Sprintf("escalation_tier >= $%d", argN))
		args = append(args, *filters.MinTier)
		argN++
	}

	whereClause := "WHERE " + strings.Join(where, " AND ")

	// 计算总数
	queryCount := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM alert_records
		%s
	`, whereClause)

	var total int
	if err := r.db.QueryRowContext(ctx, queryCount, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alert records: %w", err)
	}

	// 分页处理
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`
		SELECT %s
		FROM alert_records
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, alertColumns, whereClause, argN, argN+1)

	args = append(args, size, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query alert records: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan alert record: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate alert records: %w", err)
	}

	return alerts, total, nil
}

// CountUnacknowledgedByRoom 统计房间内未确认的报警数量（运维面板用）
func (r *AlertRecordsRepository) CountUnacknowledgedByRoom(ctx context.Context, tenantID, roomID string) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenant_id is required")
	}
	if roomID == "" {
		return 0, fmt.Errorf("room_id is required")
	}

	query := `
		SELECT COUNT(*)
		FROM alert_records
		WHERE tenant_id = $1
		  AND room_id = $2
		  AND status IN ('active', 'escalated')
	`

	var count int
	if err := r.db.QueryRowContext(ctx, query, tenantID, roomID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unacknowledged alerts: %w", err)
	}

	return count, nil
}

// ============================================
// 行扫描
// ============================================

// rowScanner 兼容 *sql.Row 和 *sql.Rows 的扫描接口
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanAlert 扫描单行报警记录（处理可空字段）
func scanAlert(row rowScanner) (*models.Alert, error) {
	var alert models.Alert
	var status string
	var nextEscalationAt, acknowledgedAt sql.NullTime
	var acknowledgedBy sql.NullString

	err := row.Scan(
		&alert.AlertID,
		&alert.TenantID,
		&alert.RoomID,
		&alert.UrgencyLevel,
		&status,
		&alert.EscalationTier,
		&alert.CreatedAt,
		&nextEscalationAt,
		&acknowledgedAt,
		&acknowledgedBy,
		&alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	alert.Status = models.AlertStatus(status)

	// 处理可空字段
	if nextEscalationAt.Valid {
		alert.NextEscalationAt = &nextEscalationAt.Time
	}
	if acknowledgedAt.Valid {
		alert.AcknowledgedAt = &acknowledgedAt.Time
	}
	if acknowledgedBy.Valid {
		alert.AcknowledgedBy = &acknowledgedBy.String
	}

	return &alert, nil
}
