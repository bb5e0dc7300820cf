// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/store"
)

// DB is the subset of pgxpool.Pool used by Store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db DB
}

var _ store.Store = (*Store)(nil)

func New(db DB) *Store {
	return &Store{db: db}
}

const fileColumns = `uid, owner_user_uid, original_filename, title, alt_text, tags,
	storage_location, bucket, object_key, byte_size, mime_type, sha256, is_public,
	purpose, created_by, archived_at, created_at, updated_at`

const variantColumns = `uid, variant_of_uid, kind, width, height, transform,
	storage_location, bucket, object_key, byte_size, mime_type, created_at, updated_at`

const linkColumns = `uid, file_uid, linked_entity_type, linked_entity_uid, linked_field, created_at`

func (s *Store) CreateFile(ctx context.Context, f *domain.File) error {
	_, err := s.db.Exec(ctx, `INSERT INTO files (`+fileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		f.UID, f.OwnerUserUID, f.OriginalFilename, f.Title, f.AltText, tags(f.Tags),
		string(f.StorageLocation), f.Bucket, f.ObjectKey, f.ByteSize, f.MimeType, f.SHA256, f.IsPublic,
		f.Purpose, f.CreatedBy, f.ArchivedAt, f.CreatedAt, f.UpdatedAt,
	)
	return classify(err, "file "+f.UID)
}

func (s *Store) GetFile(ctx context.Context, uid string) (*domain.File, error) {
	row := s.db.QueryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE uid = $1`, uid)
	f, err := scanFile(row)
	if err != nil {
		return nil, classify(err, "file "+uid)
	}
	return f, nil
}

func (s *Store) UpdateFile(ctx context.Context, f *domain.File) error {
	tag, err := s.db.Exec(ctx, `UPDATE files SET
			owner_user_uid = $2, original_filename = $3, title = $4, alt_text = $5, tags = $6,
			storage_location = $7, bucket = $8, object_key = $9, byte_size = $10, mime_type = $11,
			sha256 = $12, is_public = $13, purpose = $14, created_by = $15, archived_at = $16,
			updated_at = $17
		WHERE uid = $1`,
		f.UID, f.OwnerUserUID, f.OriginalFilename, f.Title, f.AltText, tags(f.Tags),
		string(f.StorageLocation), f.Bucket, f.ObjectKey, f.ByteSize, f.MimeType,
		f.SHA256, f.IsPublic, f.Purpose, f.CreatedBy, f.ArchivedAt,
		f.UpdatedAt,
	)
	if err != nil {
		return classify(err, "file "+f.UID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: file %s", store.ErrNotFound, f.UID)
	}
	return nil
}

// DeleteFile relies on ON DELETE CASCADE for variants and links.
func (s *Store) DeleteFile(ctx context.Context, uid string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM files WHERE uid = $1`, uid)
	if err != nil {
		return classify(err, "file "+uid)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: file %s", store.ErrNotFound, uid)
	}
	return nil
}

func (s *Store) ListFiles(ctx context.Context, filter store.ListFilter) ([]*domain.File, int, error) {
	where, args := buildListWhere(filter)

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM files`+where, args...).Scan(&total); err != nil {
		return nil, 0, classify(err, "files")
	}

	query, args := buildListQuery(filter)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, classify(err, "files")
	}
	defer rows.Close()

	items := make([]*domain.File, 0)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, 0, classify(err, "files")
		}
		items = append(items, f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify(err, "files")
	}
	return items, total, nil
}

func (s *Store) CreateVariant(ctx context.Context, v *domain.Variant) error {
	_, err := s.db.Exec(ctx, `INSERT INTO file_variants (`+variantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		v.UID, v.VariantOfUID, string(v.Kind), v.Width, v.Height, v.Transform,
		string(v.StorageLocation), v.Bucket, v.ObjectKey, v.ByteSize, v.MimeType, v.CreatedAt, v.UpdatedAt,
	)
	return classify(err, "variant "+v.UID)
}

func (s *Store) UpdateVariant(ctx context.Context, v *domain.Variant) error {
	tag, err := s.db.Exec(ctx, `UPDATE file_variants SET
			width = $2, height = $3, transform = $4, storage_location = $5, bucket = $6,
			object_key = $7, byte_size = $8, mime_type = $9, updated_at = $10
		WHERE uid = $1`,
		v.UID, v.Width, v.Height, v.Transform, string(v.StorageLocation), v.Bucket,
		v.ObjectKey, v.ByteSize, v.MimeType, v.UpdatedAt,
	)
	if err != nil {
		return classify(err, "variant "+v.UID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: variant %s", store.ErrNotFound, v.UID)
	}
	return nil
}

func (s *Store) GetVariant(ctx context.Context, uid string) (*domain.Variant, error) {
	row := s.db.QueryRow(ctx, `SELECT `+variantColumns+` FROM file_variants WHERE uid = $1`, uid)
	v, err := scanVariant(row)
	if err != nil {
		return nil, classify(err, "variant "+uid)
	}
	return v, nil
}

func (s *Store) FindVariant(ctx context.Context, fileUID string, kind domain.VariantKind) (*domain.Variant, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+variantColumns+` FROM file_variants WHERE variant_of_uid = $1 AND kind = $2`,
		fileUID, string(kind))
	v, err := scanVariant(row)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("variant %s of %s", kind, fileUID))
	}
	return v, nil
}

func (s *Store) ListVariants(ctx context.Context, fileUID string) ([]*domain.Variant, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+variantColumns+` FROM file_variants WHERE variant_of_uid = $1 ORDER BY created_at, kind`,
		fileUID)
	if err != nil {
		return nil, classify(err, "variants")
	}
	defer rows.Close()

	out := make([]*domain.Variant, 0)
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, classify(err, "variants")
		}
		out = append(out, v)
	}
	return out, classify(rows.Err(), "variants")
}

func (s *Store) CreateLink(ctx context.Context, l *domain.Link) error {
	_, err := s.db.Exec(ctx, `INSERT INTO file_links (`+linkColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		l.UID, l.FileUID, l.LinkedEntityType, l.LinkedEntityUID, l.LinkedField, l.CreatedAt)
	return classify(err, "link "+l.UID)
}

func (s *Store) ListLinks(ctx context.Context, fileUID string) ([]*domain.Link, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+linkColumns+` FROM file_links WHERE file_uid = $1 ORDER BY created_at, uid`, fileUID)
	if err != nil {
		return nil, classify(err, "links")
	}
	defer rows.Close()

	out := make([]*domain.Link, 0)
	for rows.Next() {
		var l domain.Link
		if err := rows.Scan(&l.UID, &l.FileUID, &l.LinkedEntityType, &l.LinkedEntityUID, &l.LinkedField, &l.CreatedAt); err != nil {
			return nil, classify(err, "links")
		}
		out = append(out, &l)
	}
	return out, classify(rows.Err(), "links")
}

func (s *Store) DeleteLink(ctx context.Context, fileUID, linkUID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM file_links WHERE uid = $1 AND file_uid = $2`, linkUID, fileUID)
	if err != nil {
		return classify(err, "link "+linkUID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: link %s", store.ErrNotFound, linkUID)
	}
	return nil
}

// buildListWhere renders the WHERE clause shared by the count and page queries.
func buildListWhere(filter store.ListFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.IncludeArchived {
		conds = append(conds, "archived_at IS NULL")
	}
	if filter.OwnerUserUID != "" {
		conds = append(conds, "owner_user_uid = "+arg(filter.OwnerUserUID))
	}
	if filter.IsPublic != nil {
		conds = append(conds, "is_public = "+arg(*filter.IsPublic))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		p := arg("%" + escapeLike(search) + "%")
		conds = append(conds, "(original_filename ILIKE "+p+" OR title ILIKE "+p+")")
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// buildListQuery renders the page query. OrderBy is whitelisted, never interpolated raw.
func buildListQuery(filter store.ListFilter) (string, []any) {
	where, args := buildListWhere(filter)

	column := store.OrderCreatedAt
	if store.ValidOrder(filter.OrderBy) {
		column = filter.OrderBy
	}
	dir := "ASC"
	if filter.Descending {
		dir = "DESC"
	}

	var b strings.Builder
	b.WriteString("SELECT " + fileColumns + " FROM files" + where)
	fmt.Fprintf(&b, " ORDER BY %s %s, uid %s", column, dir, dir)
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func scanFile(row pgx.Row) (*domain.File, error) {
	var (
		f   domain.File
		loc string
	)
	err := row.Scan(
		&f.UID, &f.OwnerUserUID, &f.OriginalFilename, &f.Title, &f.AltText, &f.Tags,
		&loc, &f.Bucket, &f.ObjectKey, &f.ByteSize, &f.MimeType, &f.SHA256, &f.IsPublic,
		&f.Purpose, &f.CreatedBy, &f.ArchivedAt, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.StorageLocation = domain.Location(loc)
	return &f, nil
}

func scanVariant(row pgx.Row) (*domain.Variant, error) {
	var (
		v         domain.Variant
		kind, loc string
	)
	err := row.Scan(
		&v.UID, &v.VariantOfUID, &kind, &v.Width, &v.Height, &v.Transform,
		&loc, &v.Bucket, &v.ObjectKey, &v.ByteSize, &v.MimeType, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	v.Kind = domain.VariantKind(kind)
	v.StorageLocation = domain.Location(loc)
	return &v, nil
}

func tags(t []string) []string {
	if t == nil {
		return []string{}
	}
	return t
}

// classify maps driver errors onto the store sentinels.
func classify(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case IsNotFoundError(err), IsForeignKeyViolationError(err):
		return fmt.Errorf("%w: %s", store.ErrNotFound, what)
	case IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %s", store.ErrDuplicate, what)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
