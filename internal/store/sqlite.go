package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/lead-analyzer/internal/model"
)

// sqliteTimeLayout is fixed width so stored timestamps compare correctly as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection is used so that transactions serialize all writers.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id         INTEGER PRIMARY KEY,
	account_id TEXT NOT NULL,
	username   TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL DEFAULT '',
	url        TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS profile_summaries (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	summary    TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS profile_items (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	body       TEXT NOT NULL,
	community  TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_prompts (
	id            TEXT PRIMARY KEY,
	dimension     TEXT NOT NULL,
	version       INTEGER NOT NULL,
	system_prompt TEXT NOT NULL,
	output_schema TEXT NOT NULL,
	temperature   REAL NOT NULL,
	max_tokens    INTEGER NOT NULL,
	active        INTEGER NOT NULL DEFAULT 0,
	created_by    TEXT NOT NULL DEFAULT '',
	notes         TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	UNIQUE (dimension, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_prompts_one_active ON agent_prompts(dimension) WHERE active = 1;

CREATE TABLE IF NOT EXISTS lead_analyses (
	id                       TEXT PRIMARY KEY,
	lead_id                  INTEGER NOT NULL,
	account_id               TEXT NOT NULL DEFAULT '',
	status                   TEXT NOT NULL,
	started_at               TEXT NOT NULL,
	completed_at             TEXT,
	results                  TEXT,
	meta_analysis            TEXT,
	final_recommendation     TEXT,
	recommendation_reasoning TEXT NOT NULL DEFAULT '',
	confidence_score         REAL,
	prompt_versions          TEXT,
	model_info               TEXT,
	error                    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_lead_analyses_lead_id ON lead_analyses(lead_id);
CREATE INDEX IF NOT EXISTS idx_lead_analyses_status ON lead_analyses(status);

CREATE TABLE IF NOT EXISTS dimension_runs (
	id             TEXT PRIMARY KEY,
	analysis_id    TEXT NOT NULL REFERENCES lead_analyses(id) ON DELETE CASCADE,
	dimension      TEXT NOT NULL,
	status         TEXT NOT NULL,
	started_at     TEXT NOT NULL,
	completed_at   TEXT,
	input_snapshot TEXT,
	output         TEXT,
	raw_response   TEXT NOT NULL DEFAULT '',
	model_info     TEXT,
	prompt_id      TEXT,
	prompt_version INTEGER NOT NULL DEFAULT 0,
	error_kind     TEXT NOT NULL DEFAULT '',
	error_detail   TEXT NOT NULL DEFAULT '',
	UNIQUE (analysis_id, dimension)
);

CREATE INDEX IF NOT EXISTS idx_dimension_runs_analysis_id ON dimension_runs(analysis_id);

CREATE TABLE IF NOT EXISTS job_ledger (
	dedupe_key  TEXT PRIMARY KEY,
	task_type   TEXT NOT NULL,
	subject_id  INTEGER NOT NULL,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	analysis_id TEXT NOT NULL DEFAULT '',
	next_run_at TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_ledger_status ON job_ledger(status);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	actor       TEXT NOT NULL,
	action_type TEXT NOT NULL,
	result      TEXT NOT NULL,
	entity_ref  TEXT NOT NULL,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_entity_ref ON audit_log(entity_ref);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Prompts ---

const sqlitePromptColumns = `id, dimension, version, system_prompt, output_schema, temperature, max_tokens, active, created_by, notes, created_at`

func (s *SQLiteStore) GetActivePrompt(ctx context.Context, dimension string) (*model.AgentPrompt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqlitePromptColumns+` FROM agent_prompts WHERE dimension = ? AND active = 1`,
		dimension,
	)
	p, err := scanSQLitePrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: no active prompt for %s", dimension)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get active prompt %s", dimension)
	}
	return p, nil
}

func (s *SQLiteStore) GetPromptVersion(ctx context.Context, dimension string, version int) (*model.AgentPrompt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqlitePromptColumns+` FROM agent_prompts WHERE dimension = ? AND version = ?`,
		dimension, version,
	)
	p, err := scanSQLitePrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: prompt %s v%d", dimension, version)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get prompt %s v%d", dimension, version)
	}
	return p, nil
}

func (s *SQLiteStore) ListPromptVersions(ctx context.Context, dimension string) ([]model.AgentPrompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlitePromptColumns+` FROM agent_prompts WHERE dimension = ? ORDER BY version DESC`,
		dimension,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list prompts %s", dimension)
	}
	defer rows.Close()

	var prompts []model.AgentPrompt
	for rows.Next() {
		p, err := scanSQLitePrompt(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan prompt")
		}
		prompts = append(prompts, *p)
	}
	return prompts, eris.Wrap(rows.Err(), "sqlite: list prompts iterate")
}

func (s *SQLiteStore) ListPromptDimensions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT dimension FROM agent_prompts ORDER BY dimension`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list prompt dimensions")
	}
	defer rows.Close()

	var dims []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dimension")
		}
		dims = append(dims, d)
	}
	return dims, eris.Wrap(rows.Err(), "sqlite: list prompt dimensions iterate")
}

func (s *SQLiteStore) InsertPromptVersion(ctx context.Context, p *model.AgentPrompt, activate bool) (*model.AgentPrompt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin prompt tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var maxVersion int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM agent_prompts WHERE dimension = ?`,
		p.Dimension,
	).Scan(&maxVersion); err != nil {
		return nil, eris.Wrapf(err, "sqlite: max prompt version %s", p.Dimension)
	}

	if activate {
		if _, err := tx.ExecContext(ctx,
			`UPDATE agent_prompts SET active = 0 WHERE dimension = ? AND active = 1`,
			p.Dimension,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: deactivate prompt %s", p.Dimension)
		}
	}

	out := *p
	out.ID = uuid.New().String()
	out.Version = maxVersion + 1
	out.Active = activate
	out.CreatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_prompts (`+sqlitePromptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.Dimension, out.Version, out.SystemPrompt, string(out.OutputSchema),
		out.Temperature, out.MaxTokens, boolToInt(out.Active), out.CreatedBy, out.Notes,
		formatTime(out.CreatedAt),
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert prompt %s v%d", out.Dimension, out.Version)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit prompt tx")
	}
	return &out, nil
}

// --- Analyses ---

const sqliteAnalysisColumns = `id, lead_id, account_id, status, started_at, completed_at, results, meta_analysis,
	final_recommendation, recommendation_reasoning, confidence_score, prompt_versions, model_info, error`

func (s *SQLiteStore) CreateAnalysis(ctx context.Context, a *model.LeadAnalysis) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lead_analyses (id, lead_id, account_id, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.LeadID, a.AccountID, string(a.Status), formatTime(a.StartedAt),
	)
	return eris.Wrapf(err, "sqlite: insert analysis for lead %d", a.LeadID)
}

func (s *SQLiteStore) UpdateAnalysisStatus(ctx context.Context, id string, status model.AnalysisStatus) error {
	sources := analysisSources(status)
	args := []any{string(status), id}
	for _, src := range sources {
		args = append(args, src)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE lead_analyses SET status = ? WHERE id = ? AND status IN (`+placeholders(len(sources))+`)`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update analysis status %s", id)
	}
	return s.checkAnalysisTransition(ctx, res, id, status)
}

func (s *SQLiteStore) PersistAnalysis(ctx context.Context, a *model.LeadAnalysis, runs []*model.DimensionRun) error {
	results, err := marshalNullable(a.Results)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal results")
	}
	versions, err := marshalNullable(a.PromptVersions)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal prompt versions")
	}
	modelInfo, err := marshalNullable(a.ModelInfo)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal model info")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin persist tx")
	}
	defer tx.Rollback() //nolint:errcheck

	sources := analysisSources(a.Status)
	args := []any{
		string(a.Status), nullTime(a.CompletedAt), results, nullRaw(a.MetaAnalysis),
		a.FinalRecommendation, a.RecommendationReasoning, a.ConfidenceScore,
		versions, modelInfo, a.Error, a.ID,
	}
	for _, src := range sources {
		args = append(args, src)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE lead_analyses SET status = ?, completed_at = ?, results = ?, meta_analysis = ?,
		 final_recommendation = ?, recommendation_reasoning = ?, confidence_score = ?,
		 prompt_versions = ?, model_info = ?, error = ?
		 WHERE id = ? AND status IN (`+placeholders(len(sources))+`)`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: persist analysis %s", a.ID)
	}
	if err := s.checkAnalysisTransitionTx(ctx, tx, res, a.ID, a.Status); err != nil {
		return err
	}

	for _, r := range runs {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		r.AnalysisID = a.ID
		mi, err := marshalNullable(r.ModelInfo)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal run model info")
		}
		var promptID any
		if r.PromptID != "" {
			promptID = r.PromptID
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dimension_runs (id, analysis_id, dimension, status, started_at, completed_at,
			 input_snapshot, output, raw_response, model_info, prompt_id, prompt_version, error_kind, error_detail)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (analysis_id, dimension) DO UPDATE SET
			   status = excluded.status, completed_at = excluded.completed_at,
			   input_snapshot = excluded.input_snapshot, output = excluded.output,
			   raw_response = excluded.raw_response, model_info = excluded.model_info,
			   prompt_id = excluded.prompt_id, prompt_version = excluded.prompt_version,
			   error_kind = excluded.error_kind, error_detail = excluded.error_detail`,
			r.ID, r.AnalysisID, r.Dimension, string(r.Status), formatTime(r.StartedAt), nullTime(r.CompletedAt),
			nullRaw(r.InputSnapshot), nullRaw(r.Output), r.RawResponse, mi, promptID, r.PromptVersion,
			string(r.ErrorKind), r.ErrorDetail,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert dimension run %s", r.Dimension)
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit persist tx")
	}
	return nil
}

func (s *SQLiteStore) GetAnalysis(ctx context.Context, id string) (*model.LeadAnalysis, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteAnalysisColumns+` FROM lead_analyses WHERE id = ?`, id)
	a, err := scanSQLiteAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: analysis %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get analysis %s", id)
	}
	return a, nil
}

func (s *SQLiteStore) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]model.LeadAnalysis, error) {
	query := `SELECT ` + sqliteAnalysisColumns + ` FROM lead_analyses WHERE 1=1`
	var args []any
	if filter.LeadID != 0 {
		query += ` AND lead_id = ?`
		args = append(args, filter.LeadID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.StartedAfter.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, formatTime(filter.StartedAfter))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list analyses")
	}
	defer rows.Close()

	var out []model.LeadAnalysis
	for rows.Next() {
		a, err := scanSQLiteAnalysis(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan analysis")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list analyses iterate")
}

func (s *SQLiteStore) ListDimensionRuns(ctx context.Context, analysisID string) ([]model.DimensionRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, analysis_id, dimension, status, started_at, completed_at, input_snapshot, output,
		 raw_response, model_info, prompt_id, prompt_version, error_kind, error_detail
		 FROM dimension_runs WHERE analysis_id = ? ORDER BY dimension`,
		analysisID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list dimension runs %s", analysisID)
	}
	defer rows.Close()

	var out []model.DimensionRun
	for rows.Next() {
		var r model.DimensionRun
		var startedAt string
		var completedAt, input, output, modelInfo, promptID sql.NullString
		if err := rows.Scan(&r.ID, &r.AnalysisID, &r.Dimension, &r.Status, &startedAt, &completedAt,
			&input, &output, &r.RawResponse, &modelInfo, &promptID, &r.PromptVersion,
			&r.ErrorKind, &r.ErrorDetail); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dimension run")
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, err
		}
		r.InputSnapshot = rawOrNil(input)
		r.Output = rawOrNil(output)
		r.PromptID = promptID.String
		if modelInfo.Valid {
			r.ModelInfo = &model.ModelInfo{}
			if err := json.Unmarshal([]byte(modelInfo.String), r.ModelInfo); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal run model info")
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dimension runs iterate")
}

func (s *SQLiteStore) DeleteAnalysis(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lead_analyses WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete analysis %s", id)
	}
	return checkRowsAffected(res, "analysis", id)
}

func (s *SQLiteStore) checkAnalysisTransition(ctx context.Context, res sql.Result, id string, target model.AnalysisStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM lead_analyses WHERE id = ?`, id).Scan(&current)
	return transitionError(err, id, current, target)
}

func (s *SQLiteStore) checkAnalysisTransitionTx(ctx context.Context, tx *sql.Tx, res sql.Result, id string, target model.AnalysisStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM lead_analyses WHERE id = ?`, id).Scan(&current)
	return transitionError(err, id, current, target)
}

// --- Ledger ---

const sqliteJobColumns = `dedupe_key, task_type, subject_id, status, attempts, last_error, analysis_id, next_run_at, created_at, updated_at`

func (s *SQLiteStore) AcquireJob(ctx context.Context, req AcquireRequest) (*model.JobLedgerEntry, bool, error) {
	now := formatTime(req.Now)
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO job_ledger (`+sqliteJobColumns+`)
		 VALUES (?, ?, ?, 'running', 1, '', '', ?, ?, ?)
		 ON CONFLICT (dedupe_key) DO UPDATE SET
		   status = 'running',
		   attempts = CASE WHEN job_ledger.status IN ('failed', 'cancelled') THEN 1 ELSE job_ledger.attempts + 1 END,
		   updated_at = excluded.updated_at
		 WHERE job_ledger.status IN ('queued', 'failed', 'cancelled')
		    OR (job_ledger.status = 'retrying' AND job_ledger.next_run_at <= excluded.updated_at)
		    OR (job_ledger.status = 'running' AND job_ledger.updated_at < ?)
		 RETURNING `+sqliteJobColumns,
		req.DedupeKey, req.TaskType, req.SubjectID, now, now, now, formatTime(req.StaleBefore),
	)
	entry, err := scanSQLiteJob(row)
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, eris.Wrapf(err, "sqlite: acquire job %s", req.DedupeKey)
	}

	current, err := s.GetJob(ctx, req.DedupeKey)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *SQLiteStore) EnqueueJob(ctx context.Context, req AcquireRequest) (*model.JobLedgerEntry, bool, error) {
	now := formatTime(req.Now)
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO job_ledger (`+sqliteJobColumns+`)
		 VALUES (?, ?, ?, 'queued', 0, '', '', ?, ?, ?)
		 ON CONFLICT (dedupe_key) DO UPDATE SET
		   status = 'queued', attempts = 0, last_error = '',
		   next_run_at = excluded.next_run_at, updated_at = excluded.updated_at
		 WHERE job_ledger.status IN ('failed', 'cancelled')
		 RETURNING `+sqliteJobColumns,
		req.DedupeKey, req.TaskType, req.SubjectID, now, now, now,
	)
	entry, err := scanSQLiteJob(row)
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, eris.Wrapf(err, "sqlite: enqueue job %s", req.DedupeKey)
	}

	current, err := s.GetJob(ctx, req.DedupeKey)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *SQLiteStore) FinishJob(ctx context.Context, dedupeKey string, update JobUpdate) error {
	now := time.Now().UTC()
	next := update.NextRunAt
	if next.IsZero() {
		next = now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_ledger SET status = ?, analysis_id = CASE WHEN ? = '' THEN analysis_id ELSE ? END,
		 last_error = ?, next_run_at = ?, updated_at = ?
		 WHERE dedupe_key = ? AND (status = 'running' OR (? AND status = 'cancelled'))`,
		string(update.Status), update.AnalysisID, update.AnalysisID,
		update.LastError, formatTime(next), formatTime(now), dedupeKey, update.SupersedeCancelled,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish job %s", dedupeKey)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrLedgerConflict, "sqlite: job %s is not running", dedupeKey)
	}
	return nil
}

func (s *SQLiteStore) CancelJob(ctx context.Context, dedupeKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_ledger SET status = 'cancelled', updated_at = ?
		 WHERE dedupe_key = ? AND status IN ('queued', 'running', 'retrying')`,
		formatTime(time.Now().UTC()), dedupeKey,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: cancel job %s", dedupeKey)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, dedupeKey string) (*model.JobLedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM job_ledger WHERE dedupe_key = ?`, dedupeKey)
	entry, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: job %s", dedupeKey)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", dedupeKey)
	}
	return entry, nil
}

// --- Leads ---

func (s *SQLiteStore) GetLead(ctx context.Context, id int64) (*model.Lead, error) {
	var l model.Lead
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, username, source, title, body, url, created_at FROM leads WHERE id = ?`,
		id,
	).Scan(&l.ID, &l.AccountID, &l.Username, &l.Source, &l.Title, &l.Body, &l.URL, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: lead %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lead %d", id)
	}
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *SQLiteStore) GetProfileContext(ctx context.Context, accountID string) (*model.ProfileContext, error) {
	pc := &model.ProfileContext{AccountID: accountID}

	rows, err := s.db.QueryContext(ctx,
		`SELECT summary FROM profile_summaries WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`,
		accountID, maxProfileSummaries,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list profile summaries %s", accountID)
	}
	for rows.Next() {
		var summary string
		if err := rows.Scan(&summary); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan profile summary")
		}
		pc.Summaries = append(pc.Summaries, summary)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: profile summaries iterate")
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT kind, title, body, community, created_at FROM profile_items
		 WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`,
		accountID, maxProfileItems,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list profile items %s", accountID)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, createdAt string
		var item model.ProfileItem
		if err := rows.Scan(&kind, &item.Title, &item.Body, &item.Community, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan profile item")
		}
		if item.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if kind == ProfileItemComment {
			pc.Comments = append(pc.Comments, item)
		} else {
			pc.Posts = append(pc.Posts, item)
		}
	}
	return pc, eris.Wrap(rows.Err(), "sqlite: profile items iterate")
}

func (s *SQLiteStore) SaveLead(ctx context.Context, lead model.Lead) error {
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (id, account_id, username, source, title, body, url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET account_id = excluded.account_id, username = excluded.username,
		   source = excluded.source, title = excluded.title, body = excluded.body, url = excluded.url`,
		lead.ID, lead.AccountID, lead.Username, lead.Source, lead.Title, lead.Body, lead.URL, formatTime(lead.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: save lead %d", lead.ID)
}

func (s *SQLiteStore) SaveLeads(ctx context.Context, leads []model.Lead) (int64, error) {
	if len(leads) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin save leads")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO leads (id, account_id, username, source, title, body, url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET account_id = excluded.account_id, username = excluded.username,
		   source = excluded.source, title = excluded.title, body = excluded.body, url = excluded.url`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare save leads")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	var n int64
	for _, l := range leads {
		if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
		res, err := stmt.ExecContext(ctx, l.ID, l.AccountID, l.Username, l.Source, l.Title, l.Body, l.URL, formatTime(l.CreatedAt))
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: save lead %d", l.ID)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit save leads")
	}
	return n, nil
}

func (s *SQLiteStore) SaveProfileSummary(ctx context.Context, accountID, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profile_summaries (id, account_id, summary, created_at) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), accountID, summary, formatTime(time.Now().UTC()),
	)
	return eris.Wrapf(err, "sqlite: save profile summary %s", accountID)
}

func (s *SQLiteStore) SaveProfileItem(ctx context.Context, accountID, kind string, item model.ProfileItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profile_items (id, account_id, kind, title, body, community, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), accountID, kind, item.Title, item.Body, item.Community, formatTime(item.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: save profile item %s", accountID)
}

// --- Audit ---

func (s *SQLiteStore) InsertAudit(ctx context.Context, e model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, actor, action_type, result, entity_ref, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Actor, e.ActionType, e.Result, e.EntityRef, formatTime(e.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: insert audit entry")
}

func (s *SQLiteStore) ListAudit(ctx context.Context, entityRef string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor, action_type, result, entity_ref, created_at FROM audit_log
		 WHERE entity_ref = ? ORDER BY created_at DESC LIMIT ?`,
		entityRef, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Actor, &e.ActionType, &e.Result, &e.EntityRef, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit entry")
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

// --- helpers ---

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLitePrompt(row scannable) (*model.AgentPrompt, error) {
	var p model.AgentPrompt
	var schema, createdAt string
	if err := row.Scan(&p.ID, &p.Dimension, &p.Version, &p.SystemPrompt, &schema,
		&p.Temperature, &p.MaxTokens, &p.Active, &p.CreatedBy, &p.Notes, &createdAt); err != nil {
		return nil, err
	}
	p.OutputSchema = json.RawMessage(schema)
	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanSQLiteAnalysis(row scannable) (*model.LeadAnalysis, error) {
	var a model.LeadAnalysis
	var startedAt string
	var completedAt, results, meta, recommendation, versions, modelInfo sql.NullString
	var confidence sql.NullFloat64
	if err := row.Scan(&a.ID, &a.LeadID, &a.AccountID, &a.Status, &startedAt, &completedAt,
		&results, &meta, &recommendation, &a.RecommendationReasoning, &confidence,
		&versions, &modelInfo, &a.Error); err != nil {
		return nil, err
	}

	var err error
	if a.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if a.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	a.MetaAnalysis = rawOrNil(meta)
	if recommendation.Valid {
		rec := recommendation.String
		a.FinalRecommendation = &rec
	}
	if confidence.Valid {
		c := confidence.Float64
		a.ConfidenceScore = &c
	}
	if results.Valid {
		if err := json.Unmarshal([]byte(results.String), &a.Results); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal results")
		}
	}
	if versions.Valid {
		if err := json.Unmarshal([]byte(versions.String), &a.PromptVersions); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal prompt versions")
		}
	}
	if modelInfo.Valid {
		if err := json.Unmarshal([]byte(modelInfo.String), &a.ModelInfo); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal model info")
		}
	}
	return &a, nil
}

func scanSQLiteJob(row scannable) (*model.JobLedgerEntry, error) {
	var e model.JobLedgerEntry
	var nextRunAt, createdAt, updatedAt string
	if err := row.Scan(&e.DedupeKey, &e.TaskType, &e.SubjectID, &e.Status, &e.Attempts,
		&e.LastError, &e.AnalysisID, &nextRunAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if e.NextRunAt, err = parseTime(nextRunAt); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawOrNil(s sql.NullString) json.RawMessage {
	if !s.Valid {
		return nil
	}
	return json.RawMessage(s.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n == 0 {
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
