package gradius

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"time"

	"github.com/jinzhu/gorm"
)

// dataOperations implements Database on top of gorm. The dialect specific
// constructors live in postgres.go, sqlite.go and mysql.go.
type dataOperations struct {
	db *gorm.DB
}

func newDataOperations(db *gorm.DB) *dataOperations {
	// A Delete or Update without conditions is always a bug here.
	db.BlockGlobalUpdate(true)
	return &dataOperations{db: db}
}

func wrapPackageError(op string, err error) error {
	if err == nil {
		return nil
	}

	var kinded *Error
	if errors.As(err, &kinded) {
		return err
	}

	if gorm.IsRecordNotFoundError(err) || errors.Is(err, sql.ErrNoRows) {
		return newError(KindNotFound, op, &RecordNotFoundError{err: err})
	}
	if isUniqueViolation(err) {
		return newError(KindConflict, op, &UniqueViolationError{err: err})
	}
	return newError(KindInternal, op, &DatabaseError{err: err})
}

func isUniqueViolation(err error) bool {
	return isSQLiteUniqueViolation(err) || isPostgresUniqueViolation(err) || isMySQLUniqueViolation(err)
}

// conn returns the handle for a single operation. gorm v1 has no context
// plumbing, so cancellation is honoured before each statement is issued.
func (d *dataOperations) conn(ctx context.Context, op string) (*gorm.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(KindUnavailable, op, err)
	}
	return d.db, nil
}

func (d *dataOperations) Initialize() error {
	err := d.db.AutoMigrate(
		&Principal{},
		&Session{},
		&Peer{},
		&FederationSettings{},
		&AccountingRecord{},
		&RadCheck{},
	).Error
	return wrapPackageError("database.initialize", err)
}

func (d *dataOperations) Close() error {
	return wrapPackageError("database.close", d.db.Close())
}

func (d *dataOperations) FindPrincipalByEmail(ctx context.Context, email string) (Principal, error) {
	const op = "database.find_principal_by_email"
	var principal Principal
	db, err := d.conn(ctx, op)
	if err != nil {
		return principal, err
	}

	err = db.Where("email = ?", email).
		First(&principal).
		Error
	return principal, wrapPackageError(op, err)
}

func (d *dataOperations) FindPrincipalByFederatedID(ctx context.Context, provider, federatedID string) (Principal, error) {
	const op = "database.find_principal_by_federated_id"
	var principal Principal
	db, err := d.conn(ctx, op)
	if err != nil {
		return principal, err
	}

	err = db.Where("auth_provider = ? AND federated_id = ?", provider, federatedID).
		First(&principal).
		Error
	return principal, wrapPackageError(op, err)
}

func (d *dataOperations) Principal(ctx context.Context, id uint) (Principal, error) {
	const op = "database.principal"
	var principal Principal
	db, err := d.conn(ctx, op)
	if err != nil {
		return principal, err
	}

	err = db.Where("id = ?", id).
		First(&principal).
		Error
	return principal, wrapPackageError(op, err)
}

func (d *dataOperations) Principals(ctx context.Context, filter PrincipalFilter) ([]Principal, int, error) {
	const op = "database.principals"
	db, err := d.conn(ctx, op)
	if err != nil {
		return nil, 0, err
	}

	query := db.Model(&Principal{})
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		query = query.Where("email LIKE ? OR name LIKE ?", pattern, pattern)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int
	err = query.Count(&total).Error
	if err != nil {
		return nil, 0, wrapPackageError(op, err)
	}

	query = query.Order("created_at desc").Order("id desc")
	if filter.Limit > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		query = query.Limit(filter.Limit).Offset((page - 1) * filter.Limit)
	}

	principals := []Principal{}
	err = query.Find(&principals).Error
	return principals, total, wrapPackageError(op, err)
}

func (d *dataOperations) InsertPrincipal(ctx context.Context, principal *Principal) error {
	const op = "database.insert_principal"
	db, err := d.conn(ctx, op)
	if err != nil {
		return err
	}
	return wrapPackageError(op, db.Create(principal).Error)
}

func (d *dataOperations) UpdatePrincipal(ctx context.Context, id uint, update PrincipalUpdate) (Principal, error) {
	const op = "database.update_principal"
	db, err := d.conn(ctx, op)
	if err != nil {
		return Principal{}, err
	}

	updates := map[string]interface{}{}
	if update.Name != nil {
		updates["name"] = *update.Name
	}
	if update.Role != nil {
		updates["role"] = *update.Role
	}
	if update.Status != nil {
		updates["status"] = *update.Status
	}
	if update.AvatarURL != nil {
		updates["avatar_url"] = *update.AvatarURL
	}

	if len(updates) > 0 {
		result := db.Model(&Principal{}).
			Where("id = ?", id).
			Updates(updates)
		if result.Error != nil {
			return Principal{}, wrapPackageError(op, result.Error)
		}
		if result.RowsAffected == 0 {
			return Principal{}, wrapPackageError(op, gorm.ErrRecordNotFound)
		}
	}

	return d.Principal(ctx, id)
}

func (d *dataOperations) DeletePrincipal(ctx context.Context, id uint) error {
	const op = "database.delete_principal"
	db, err := d.conn(ctx, op)
	if err != nil {
		return err
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("principal_id = ?", id).
			Delete(&Session{}).
			Error
		if err != nil {
			return err
		}

		err = tx.Model(&Peer{}).
			Where("owner_id = ?", id).
			UpdateColumn("owner_id", gorm.Expr("NULL")).
			Error
		if err != nil {
			return err
		}

		result := tx.Where("id = ?", id).
			Delete(&Principal{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	return wrapPackageError(op, err)
}

func (d *dataOperations) FindSessionByToken(ctx context.Context, tokenHash string) (Session, Principal, error) {
	const op = "database.find_session_by_token"
	var (
		session   Session
		principal Principal
	)
	db, err := d.conn(ctx, op)
	if err != nil {
		return session, principal, err
	}

	row := db.Raw(
		"SELECT s.id, s.token_hash, s.principal_id, s.issued_at, s.expires_at, s.client_ip, s.user_agent, "+
			"u.id, u.email, u.name, u.role, u.status "+
			"FROM sessions s JOIN users u ON u.id = s.principal_id WHERE s.token_hash = ?",
		tokenHash,
	).Row()
	err = row.Scan(
		&session.ID,
		&session.TokenHash,
		&session.PrincipalID,
		&session.IssuedAt,
		&session.ExpiresAt,
		&session.ClientIP,
		&session.UserAgent,
		&principal.ID,
		&principal.Email,
		&principal.Name,
		&principal.Role,
		&principal.Status,
	)
	return session, principal, wrapPackageError(op, err)
}

func (d *dataOperations) InsertSession(ctx context.Context, session *Session) error {
	const op = "database.insert_session"
	db, err := d.conn(ctx, op)
	if err != nil {
		return err
	}
	return wrapPackageError(op, db.Create(session).Error)
}

func (d *dataOperations) DeleteSessionByToken(ctx context.Context, tokenHash string) error {
	const op = "database.delete_session_by_token"
	db, err := d.conn(ctx, op)
	if err != nil {
		return err
	}

	err = db.Where("token_hash = ?", tokenHash).
		Delete(&Session{}).
		Error
	return wrapPackageError(op, err)
}

func (d *dataOperations) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	const op = "database.delete_expired_sessions"
	db, err := d.conn(ctx, op)
	if err != nil {
		return 0, err
	}

	result := db.Where("expires_at <= ?", now).
		Delete(&Session{})
	return result.RowsAffected, wrapPackageError(op, result.Error)
}

func (d *dataOperations) ListPeerAddresses(ctx context.Context) ([]net.IP, error) {
	const op = "database.list_peer_addresses"
	db, err := d.conn(ctx, op)
	if err != nil {
		return nil, err
	}

	var rawAddresses []string
	err = db.Model(&Peer{}).
		Pluck("address", &rawAddresses).
		Error
	if err != nil {
		return nil, wrapPackageError(op, err)
	}

	addresses := make([]net.IP, 0, len(rawAddresses))
	for _, raw := range rawAddresses {
		if ip := net.ParseIP(raw); ip != nil {
			addresses = append(addresses, ip)
		}
	}
	return addresses, nil
}

func (d *dataOperations) InsertPeer(ctx context.Context, peer *Peer) error {
	const op = "database.insert_peer"
	db, err := d.conn(ctx, op)
	if err != nil {
		return err
	}
	return wrapPackageError(op, db.Create(peer).Error)
}

func (d *dataOperations) Peer(ctx context.Context, id uint) (Peer, error) {
	const op = "database.peer"
	var peer Peer
	db, err := d.conn(ctx, op)
	if err != nil {
		return peer, err
	}

	err = db.Where("id = ?", id).
		First(&peer).
		Error
	return peer, wrapPackageError(op, err)
}

func (d *dataOperations) Peers(ctx context.Context, filter PeerFilter) ([]Peer, error) {
	const op = "database.peers"
	db, err := d.conn(ctx, op)
	if err != nil {
		return nil, err
	}

	// Private keys never leave the table in bulk.
	query := db.Select("id, owner_id, name, public_key, address, status, created_at, updated_at")
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.OwnerID != nil {
		query = query.Where("owner_id = ?", *filter.OwnerID)
	}

	peers := []Peer{}
	err = query.Order("created_at desc").
		Order("id desc").
		Find(&peers).
		Error
	return peers, wrapPackageError(op, err)
}

func (d *dataOperations) UpdatePeerStatus(ctx context.Context, id uint, status string) error {
	const op = "database.update_peer_status"
	db, err := d.conn(ctx, op)
	if err != nil {
		return err
	}

	result := db.Model(&Peer{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status})
	if result.Error != nil {
		return wrapPackageError(op, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapPackageError(op, gorm.ErrRecordNotFound)
	}
	return nil
}

func (d *dataOperations) DeletePeer(ctx context.Context, id uint) error {
	const op = "database.delete_peer"
	db, err := d.conn(ctx, op)
	if err != nil {
		return err
	}

	result := db.Where("id = ?", id).
		Delete(&Peer{})
	if result.Error != nil {
		return wrapPackageError(op, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapPackageError(op, gorm.ErrRecordNotFound)
	}
	return nil
}

func (d *dataOperations) FederationSettings(ctx context.Context) (FederationSettings, error) {
	const op = "database.federation_settings"
	var settings FederationSettings
	db, err := d.conn(ctx, op)
	if err != nil {
		return settings, err
	}

	err = db.Order("id desc").
		First(&settings).
		Error
	return settings, wrapPackageError(op, err)
}

func (d *dataOperations) SaveFederationSettings(ctx context.Context, settings FederationSettings) (FederationSettings, error) {
	const op = "database.save_federation_settings"
	db, err := d.conn(ctx, op)
	if err != nil {
		return settings, err
	}

	var current FederationSettings
	err = db.Order("id desc").
		First(&current).
		Error
	if err != nil && !gorm.IsRecordNotFoundError(err) {
		return settings, wrapPackageError(op, err)
	}

	settings.ID = current.ID
	err = db.Save(&settings).Error
	return settings, wrapPackageError(op, err)
}

func (d *dataOperations) AccountingRecords(ctx context.Context, filter AccountingFilter) ([]AccountingRecord, error) {
	const op = "database.accounting_records"
	db, err := d.conn(ctx, op)
	if err != nil {
		return nil, err
	}

	query := db.Order("acctstarttime desc")
	if filter.Username != "" {
		query = query.Where("username = ?", filter.Username)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	records := []AccountingRecord{}
	err = query.Find(&records).Error
	return records, wrapPackageError(op, err)
}

func (d *dataOperations) ActiveAccountingSessions(ctx context.Context) ([]AccountingRecord, error) {
	const op = "database.active_accounting_sessions"
	db, err := d.conn(ctx, op)
	if err != nil {
		return nil, err
	}

	records := []AccountingRecord{}
	err = db.Where("acctstoptime IS NULL").
		Order("acctstarttime desc").
		Find(&records).
		Error
	return records, wrapPackageError(op, err)
}

func (d *dataOperations) RadiusUsers(ctx context.Context) ([]RadCheck, error) {
	const op = "database.radius_users"
	db, err := d.conn(ctx, op)
	if err != nil {
		return nil, err
	}

	users := []RadCheck{}
	err = db.Order("username asc").Order("id asc").Find(&users).Error
	return users, wrapPackageError(op, err)
}
