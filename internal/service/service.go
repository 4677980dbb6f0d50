package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"marketplace-api/internal/apperr"
	"marketplace-api/internal/appoint"
	"marketplace-api/internal/cache"
	"marketplace-api/internal/checkout"
	"marketplace-api/internal/events"
	"marketplace-api/internal/features"
	"marketplace-api/internal/models"
	"marketplace-api/internal/registry"
	"marketplace-api/internal/stock"
	"marketplace-api/internal/validation"
)

// Persistence is the durable store the service writes through. Every
// configuration change is persisted before the call returns.
type Persistence interface {
	SaveStore(*models.Store) error
	SaveProduct(*models.Product) error
	DeleteProduct(uuid.UUID) error
	SaveDiscount(uuid.UUID, *models.Discount) error
	DeleteDiscount(uuid.UUID) error
	SavePolicy(uuid.UUID, *models.Policy) error
	DeletePolicy(uuid.UUID) error
	SaveAppointment(*models.Appointment) error
	PurchasesByUser(string) ([]models.Purchase, error)
	PurchasesByStore(uuid.UUID) ([]models.Purchase, error)
	AllPurchases() ([]models.Purchase, error)
}

// UserDirectory answers identity questions. User management itself lives
// outside this service; callers present an already authenticated user id.
type UserDirectory interface {
	IsRegistered(userID string) bool
	IsAdmin(userID string) bool
}

// StaticDirectory accepts any non-empty user id as registered and holds a
// fixed admin set.
type StaticDirectory struct {
	admins map[string]bool
}

// NewStaticDirectory creates a directory with the given admin user ids.
func NewStaticDirectory(admins ...string) *StaticDirectory {
	set := make(map[string]bool, len(admins))
	for _, a := range admins {
		set[a] = true
	}
	return &StaticDirectory{admins: set}
}

func (d *StaticDirectory) IsRegistered(userID string) bool { return userID != "" }
func (d *StaticDirectory) IsAdmin(userID string) bool      { return d.admins[userID] }

// Service is the application facade: it enforces membership and permission
// rules, keeps the registry and the database in step, and delegates pricing
// and checkout to the engines.
type Service struct {
	registry *registry.Registry
	ledger   *stock.Ledger
	protocol *appoint.Protocol
	orch     *checkout.Orchestrator
	db       Persistence
	cache    cache.Cache
	cacheTTL time.Duration
	features *features.Manager
	events   *events.Manager
	users    UserDirectory
	log      *logrus.Entry
}

// Deps carries the service's collaborators. Cache, Features and Users may be
// nil; sensible in-process defaults are used.
type Deps struct {
	Registry *registry.Registry
	Ledger   *stock.Ledger
	Protocol *appoint.Protocol
	Checkout *checkout.Orchestrator
	DB       Persistence
	Cache    cache.Cache
	CacheTTL time.Duration
	Features *features.Manager
	Events   *events.Manager
	Users    UserDirectory
}

// New wires a service from its collaborators.
func New(deps Deps) *Service {
	if deps.Cache == nil {
		deps.Cache = cache.NewMemoryCache()
	}
	if deps.CacheTTL <= 0 {
		deps.CacheTTL = time.Minute
	}
	if deps.Features == nil {
		deps.Features = features.NewManager()
	}
	if deps.Events == nil {
		deps.Events = events.NewManager(false)
	}
	if deps.Users == nil {
		deps.Users = NewStaticDirectory()
	}
	return &Service{
		registry: deps.Registry,
		ledger:   deps.Ledger,
		protocol: deps.Protocol,
		orch:     deps.Checkout,
		db:       deps.DB,
		cache:    deps.Cache,
		cacheTTL: deps.CacheTTL,
		features: deps.Features,
		events:   deps.Events,
		users:    deps.Users,
		log:      logrus.WithField("component", "service"),
	}
}

// memberPerm resolves what actor can do in store. Owners hold every
// permission implicitly.
func memberPerm(store *models.Store, actor string) (models.Permission, bool) {
	if _, ok := store.Owners[actor]; ok {
		return models.PermAll, true
	}
	if p, ok := store.Managers[actor]; ok {
		return p, true
	}
	return 0, false
}

func requirePerm(store *models.Store, actor string, want models.Permission) error {
	perm, ok := memberPerm(store, actor)
	if !ok || !perm.Has(want) {
		return apperr.Forbidden(actor, "not allowed to do this in store %s", store.ID)
	}
	return nil
}

func requireOwner(store *models.Store, actor string) error {
	if _, ok := store.Owners[actor]; !ok {
		return apperr.Forbidden(actor, "not an owner of store %s", store.ID)
	}
	return nil
}

func (s *Service) requireRegistered(userID string) error {
	if !s.users.IsRegistered(userID) {
		return apperr.Forbidden(userID, "unknown user")
	}
	return nil
}

func ledgerKey(storeID uuid.UUID, product string) stock.ProductKey {
	return stock.ProductKey{StoreID: storeID, Product: product}
}

// --- store lifecycle ---

// OpenStore creates a store with actor as its founding owner.
func (s *Service) OpenStore(ctx context.Context, actor, name string) (*models.Store, error) {
	if err := s.requireRegistered(actor); err != nil {
		return nil, err
	}
	name = validation.SanitizeString(name)
	if err := validation.ValidateStoreName(name); err != nil {
		return nil, err
	}
	store := &models.Store{
		ID:          uuid.New(),
		Name:        name,
		State:       models.StoreOpen,
		Owners:      map[string]models.OwnerRole{actor: models.RoleInitialOwner},
		Managers:    make(map[string]models.Permission),
		Inventory:   make(map[string]*models.Product),
		Discounts:   make(map[uuid.UUID]*models.Discount),
		Policies:    make(map[uuid.UUID]*models.Policy),
		AppointedBy: make(map[string]string),
	}
	if err := s.db.SaveStore(store); err != nil {
		return nil, err
	}
	s.registry.AddStore(store)
	s.events.PublishStoreOpened(ctx, store.ID, store.Name, actor)
	s.log.WithFields(logrus.Fields{"store_id": store.ID, "owner": actor}).Info("store opened")
	return store, nil
}

// CloseStore takes the store off the market. Its configuration is kept so it
// can be reopened later.
func (s *Service) CloseStore(ctx context.Context, actor string, storeID uuid.UUID) error {
	var name string
	err := s.registry.Update(storeID, func(store *models.Store) error {
		if err := requirePerm(store, actor, models.PermCloseStore); err != nil {
			return err
		}
		if store.State == models.StoreClosed {
			return apperr.Conflict(storeID.String(), "store is already closed")
		}
		// Persist the new state first so a failed write leaves memory and
		// database agreeing that the store is still open.
		next := *store
		next.State = models.StoreClosed
		if err := s.db.SaveStore(&next); err != nil {
			return err
		}
		store.State = models.StoreClosed
		name = store.Name
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidateStore(ctx, storeID)
	s.events.PublishStoreClosed(ctx, storeID, name, actor)
	s.log.WithFields(logrus.Fields{"store_id": storeID, "actor": actor}).Info("store closed")
	return nil
}

// ReopenStore puts a closed store back on the market.
func (s *Service) ReopenStore(ctx context.Context, actor string, storeID uuid.UUID) error {
	var name string
	err := s.registry.Update(storeID, func(store *models.Store) error {
		if err := requirePerm(store, actor, models.PermCloseStore); err != nil {
			return err
		}
		if store.State == models.StoreOpen {
			return apperr.Conflict(storeID.String(), "store is already open")
		}
		next := *store
		next.State = models.StoreOpen
		if err := s.db.SaveStore(&next); err != nil {
			return err
		}
		store.State = models.StoreOpen
		name = store.Name
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidateStore(ctx, storeID)
	s.events.PublishStoreOpened(ctx, storeID, name, actor)
	return nil
}

// --- inventory ---

// AddProduct adds a product to the store's inventory and starts tracking its
// stock. Product names are unique within a store.
func (s *Service) AddProduct(ctx context.Context, actor string, storeID uuid.UUID, spec models.ProductSpec) (*models.Product, error) {
	spec.Name = validation.SanitizeString(spec.Name)
	if err := validation.ValidateProductSpec(spec); err != nil {
		return nil, err
	}
	product := &models.Product{
		ID:          uuid.New(),
		StoreID:     storeID,
		Name:        spec.Name,
		Category:    validation.SanitizeString(spec.Category),
		Brand:       validation.SanitizeString(spec.Brand),
		PriceCents:  spec.PriceCents,
		Quantity:    spec.Quantity,
		Description: validation.SanitizeString(spec.Description),
	}
	err := s.registry.Update(storeID, func(store *models.Store) error {
		if err := requirePerm(store, actor, models.PermManageInventory); err != nil {
			return err
		}
		if _, exists := store.Inventory[product.Name]; exists {
			return apperr.Conflict(product.Name, "product already exists in store")
		}
		if err := s.db.SaveProduct(product); err != nil {
			return err
		}
		store.Inventory[product.Name] = product
		return s.ledger.Track(ledgerKey(storeID, product.Name), product.Quantity)
	})
	if err != nil {
		return nil, err
	}
	s.invalidateStore(ctx, storeID)
	clone := *product
	return &clone, nil
}

// EditProduct updates a product. Renaming or changing the quantity fails
// while the product has outstanding reservations.
func (s *Service) EditProduct(ctx context.Context, actor string, storeID uuid.UUID, name string, spec models.ProductSpec) (*models.Product, error) {
	spec.Name = validation.SanitizeString(spec.Name)
	if err := validation.ValidateProductSpec(spec); err != nil {
		return nil, err
	}
	var updated models.Product
	err := s.registry.Update(storeID, func(store *models.Store) error {
		if err := requirePerm(store, actor, models.PermManageInventory); err != nil {
			return err
		}
		product, ok := store.Inventory[name]
		if !ok {
			return apperr.NotFound(name, "product not found in store")
		}
		if spec.Name != name {
			if _, exists := store.Inventory[spec.Name]; exists {
				return apperr.Conflict(spec.Name, "product already exists in store")
			}
			if err := s.ledger.Forget(ledgerKey(storeID, name)); err != nil {
				return err
			}
		}
		// Resetting the tracked quantity fails with Conflict while a checkout
		// holds a reservation, before anything in memory is touched.
		if err := s.ledger.Track(ledgerKey(storeID, spec.Name), spec.Quantity); err != nil {
			return err
		}
		if spec.Name != name {
			delete(store.Inventory, name)
			store.Inventory[spec.Name] = product
		}
		product.Name = spec.Name
		product.Category = validation.SanitizeString(spec.Category)
		product.Brand = validation.SanitizeString(spec.Brand)
		product.PriceCents = spec.PriceCents
		product.Quantity = spec.Quantity
		product.Description = validation.SanitizeString(spec.Description)
		updated = *product
		return s.db.SaveProduct(product)
	})
	if err != nil {
		return nil, err
	}
	s.invalidateStore(ctx, storeID)
	return &updated, nil
}

// RemoveProduct removes a product. It fails with Conflict while any checkout
// holds a reservation on it.
func (s *Service) RemoveProduct(ctx context.Context, actor string, storeID uuid.UUID, name string) error {
	err := s.registry.Update(storeID, func(store *models.Store) error {
		if err := requirePerm(store, actor, models.PermManageInventory); err != nil {
			return err
		}
		product, ok := store.Inventory[name]
		if !ok {
			return apperr.NotFound(name, "product not found in store")
		}
		if err := s.ledger.Forget(ledgerKey(storeID, name)); err != nil {
			return err
		}
		if err := s.db.DeleteProduct(product.ID); err != nil {
			return err
		}
		delete(store.Inventory, name)
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidateStore(ctx, storeID)
	return nil
}

// --- discounts ---

// AddDiscount authors a discount rule for the store.
func (s *Service) AddDiscount(ctx context.Context, actor string, storeID uuid.UUID, spec models.DiscountSpec) (*models.Discount, error) {
	d, err := validation.BuildDiscount(spec)
	if err != nil {
		return nil, err
	}
	if err := s.putDiscount(actor, storeID, d, false); err != nil {
		return nil, err
	}
	s.invalidateStore(ctx, storeID)
	return d, nil
}

// EditDiscount replaces an existing discount rule, keeping its id.
func (s *Service) EditDiscount(ctx context.Context, actor string, storeID, discountID uuid.UUID, spec models.DiscountSpec) (*models.Discount, error) {
	d, err := validation.BuildDiscount(spec)
	if err != nil {
		return nil, err
	}
	d.ID = discountID
	if err := s.putDiscount(actor, storeID, d, true); err != nil {
		return nil, err
	}
	s.invalidateStore(ctx, storeID)
	return d, nil
}

func (s *Service) putDiscount(actor string, storeID uuid.UUID, d *models.Discount, mustExist bool) error {
	return s.registry.Update(storeID, func(store *models.Store) error {
		if err := requirePerm(store, actor, models.PermManageDiscounts); err != nil {
			return err
		}
		if mustExist {
			if _, ok := store.Discounts[d.ID]; !ok {
				return apperr.NotFound(d.ID.String(), "discount not found in store")
			}
		}
		// Product-targeted rules must point at real inventory.
		switch d.Kind {
		case models.DiscountPercentage:
			if d.Scope == models.ScopeProduct {
				if _, ok := store.Inventory[d.Target]; !ok {
					return apperr.NotFound(d.Target, "product not found in store")
				}
			}
		case models.DiscountFreePerX:
			if _, ok := store.Inventory[d.Product]; !ok {
				return apperr.NotFound(d.Product, "product not found in store")
			}
		}
		if err := s.db.SaveDiscount(storeID, d); err != nil {
			return err
		}
		store.Discounts[d.ID] = d
		return nil
	})
}

// RemoveDiscount deletes a discount rule. A rule still referenced by a
// composite cannot be removed.
func (s *Service) RemoveDiscount(ctx context.Context, actor string, storeID, discountID uuid.UUID) error {
	err := s.registry.Update(storeID, func(store *models.Store) error {
		if err := requirePerm(store, actor, models.PermManageDiscounts); err != nil {
			return err
		}
		if _, ok := store.Discounts[discountID]; !ok {
			return apperr.NotFound(discountID.String(), "discount not found in store")
		}
		for _, other := range store.Discounts {
			for _, child := range other.Children {
				if child == discountID {
					return apperr.Conflict(discountID.String(), "discount is part of composite %s", other.ID)
				}
			}
		}
		if err := s.db.DeleteDiscount(discountID); err != nil {
			return err
		}
		delete(store.Discounts, discountID)
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidateStore(ctx, storeID)
	return nil
}

// CombineDiscounts builds a composite rule over existing discounts. The
// children keep existing but no longer apply on their own.
func (s *Service) CombineDiscounts(ctx context.Context, actor string, storeID uuid.UUID, req models.CombineDiscountsRequest) (*models.Discount, error) {
	ids := make([]uuid.UUID, 0, len(req.DiscountIDs))
	for _, raw := range req.DiscountIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, apperr.Validation("discount_ids", "invalid discount id %q", raw)
		}
		ids = append(ids, id)
	}
	d, err := validation.BuildComposite(ids, req.Operator)
	if err != nil {
		return nil, err
	}
	err = s.registry.Update(storeID, func(store *models.Store) error {
		if err := requirePerm(store, actor, models.PermManageDiscounts); err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := store.Discounts[id]; !ok {
				return apperr.NotFound(id.String(), "discount not found in store")
			}
		}
		if err := s.db.SaveDiscount(storeID, d); err != nil {
			return err
		}
		store.Discounts[d.ID] = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidateStore(ctx, storeID)
	return d, nil
}

// --- policies ---

// AddPolicy authors a purchase policy for the store.
func (s *Service) AddPolicy(ctx context.Context, actor string, storeID uuid.UUID, spec models.PolicySpec) (*models.Policy, error) {
	p, err := validation.BuildPolicy(spec)
	if err != nil {
		return nil, err
	}
	if err := s.putPolicy(actor, storeID, p, false); err != nil {
		return nil, err
	}
	s.invalidateStore(ctx, storeID)
	return p, nil
}

// EditPolicy replaces an existing policy, keeping its id.
func (s *Service) EditPolicy(ctx context.Context, actor string, storeID, policyID uuid.UUID, spec models.PolicySpec) (*models.Policy, error) {
	p, err := validation.BuildPolicy(spec)
	if err != nil {
		return nil, err
	}
	p.ID = policyID
	if err := s.putPolicy(actor, storeID, p, true); err != nil {
		return nil, err
	}
	s.invalidateStore(ctx, storeID)
	return p, nil
}

func (s *Service) putPolicy(actor string, storeID uuid.UUID, p *models.Policy, mustExist bool) error {
	return s.registry.Update(storeID, func(store *models.Store) error {
		if err := requirePerm(store, actor, models.PermManagePolicies); err != nil {
			return err
		}
		if mustExist {
			if _, ok := store.Policies[p.ID]; !ok {
				return apperr.NotFound(p.ID.String(), "policy not found in store")
			}
		}
		if p.Scope == models.PolicyProduct {
			if _, ok := store.Inventory[p.Target]; !ok {
				return apperr.NotFound(p.Target, "product not found in store")
			}
		}
		if err := s.db.SavePolicy(storeID, p); err != nil {
			return err
		}
		store.Policies[p.ID] = p
		return nil
	})
}

// RemovePolicy deletes a purchase policy.
func (s *Service) RemovePolicy(ctx context.Context, actor string, storeID, policyID uuid.UUID) error {
	err := s.registry.Update(storeID, func(store *models.Store) error {
		if err := requirePerm(store, actor, models.PermManagePolicies); err != nil {
			return err
		}
		if _, ok := store.Policies[policyID]; !ok {
			return apperr.NotFound(policyID.String(), "policy not found in store")
		}
		if err := s.db.DeletePolicy(policyID); err != nil {
			return err
		}
		delete(store.Policies, policyID)
		return nil
	})
	if err != nil {
		return err
	}
	s.invalidateStore(ctx, storeID)
	return nil
}

// --- ownership and managers ---

// NominateOwner opens an appointment for nominee, to be approved by every
// current owner.
func (s *Service) NominateOwner(ctx context.Context, actor string, storeID uuid.UUID, nominee string) (*models.Appointment, error) {
	if err := s.requireRegistered(nominee); err != nil {
		return nil, err
	}
	var owners []string
	err := s.registry.View(storeID, func(store *models.Store) error {
		if err := requireOwner(store, actor); err != nil {
			return err
		}
		for owner := range store.Owners {
			owners = append(owners, owner)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	appt, err := s.protocol.Nominate(storeID, actor, nominee, owners)
	if err != nil {
		return nil, err
	}
	if err := s.db.SaveAppointment(appt); err != nil {
		return nil, err
	}
	return appt, nil
}

// VoteOnAppointment records actor's decision. When the vote decides the
// appointment, a committed nominee becomes an owner immediately.
func (s *Service) VoteOnAppointment(ctx context.Context, actor string, apptID uuid.UUID, decision string) (*models.Appointment, error) {
	var dec appoint.Decision
	switch strings.ToLower(validation.SanitizeString(decision)) {
	case "approve":
		dec = appoint.Approve
	case "deny":
		dec = appoint.Deny
	default:
		return nil, apperr.Validation("decision", "must be approve or deny")
	}
	appt, decided, err := s.protocol.Vote(apptID, actor, dec)
	if err != nil {
		return nil, err
	}
	if err := s.db.SaveAppointment(appt); err != nil {
		return nil, err
	}
	if !decided {
		return appt, nil
	}
	if appt.State == models.AppointmentCommitted {
		err := s.registry.Update(appt.StoreID, func(store *models.Store) error {
			// Persist the new owner set first; only a durable commit promotes
			// the nominee in memory.
			owners := make(map[string]models.OwnerRole, len(store.Owners)+1)
			for member, role := range store.Owners {
				owners[member] = role
			}
			owners[appt.Nominee] = models.RoleAppointedOwner
			appointedBy := make(map[string]string, len(store.AppointedBy)+1)
			for member, by := range store.AppointedBy {
				appointedBy[member] = by
			}
			appointedBy[appt.Nominee] = appt.Nominator
			next := *store
			next.Owners = owners
			next.AppointedBy = appointedBy
			if err := s.db.SaveStore(&next); err != nil {
				return err
			}
			store.Owners = owners
			store.AppointedBy = appointedBy
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	s.events.PublishAppointmentDecided(ctx, *appt)
	s.log.WithFields(logrus.Fields{
		"appointment_id": appt.ID,
		"store_id":       appt.StoreID,
		"nominee":        appt.Nominee,
		"state":          appt.State.String(),
	}).Info("appointment decided")
	return appt, nil
}

// Appointment returns an appointment in any state.
func (s *Service) Appointment(apptID uuid.UUID) (*models.Appointment, error) {
	return s.protocol.Get(apptID)
}

// PendingAppointments lists the store's open appointments for its owners.
func (s *Service) PendingAppointments(actor string, storeID uuid.UUID) ([]*models.Appointment, error) {
	err := s.registry.View(storeID, func(store *models.Store) error {
		return requireOwner(store, actor)
	})
	if err != nil {
		return nil, err
	}
	return s.protocol.PendingForStore(storeID), nil
}

// RemoveOwner removes an appointed owner. Only the owner who appointed them
// may do so, and everyone the removed owner appointed (owners and managers)
// is removed with them. The founding owner cannot be removed.
func (s *Service) RemoveOwner(ctx context.Context, actor string, storeID uuid.UUID, target string) error {
	err := s.registry.Update(storeID, func(store *models.Store) error {
		if err := requireOwner(store, actor); err != nil {
			return err
		}
		role, ok := store.Owners[target]
		if !ok {
			return apperr.NotFound(target, "not an owner of this store")
		}
		if role == models.RoleInitialOwner {
			return apperr.Conflict(target, "the founding owner cannot be removed")
		}
		if store.AppointedBy[target] != actor {
			return apperr.Forbidden(actor, "only the appointing owner can remove %s", target)
		}
		removeMemberCascade(store, target)
		return s.db.SaveStore(store)
	})
	if err != nil {
		return err
	}
	s.invalidateStore(ctx, storeID)
	s.log.WithFields(logrus.Fields{"store_id": storeID, "removed": target, "actor": actor}).Info("owner removed")
	return nil
}

// removeMemberCascade drops member and, transitively, everyone member
// appointed.
func removeMemberCascade(store *models.Store, member string) {
	delete(store.Owners, member)
	delete(store.Managers, member)
	delete(store.AppointedBy, member)
	for other, by := range store.AppointedBy {
		if by == member {
			removeMemberCascade(store, other)
		}
	}
}

// AppointManager adds a manager with the given permissions, or the default
// grant when none are named. Appointing a manager needs no vote.
func (s *Service) AppointManager(ctx context.Context, actor string, storeID uuid.UUID, req models.ManagerRequest) error {
	if err := s.requireRegistered(req.Manager); err != nil {
		return err
	}
	perms := models.DefaultManagerPermissions
	if len(req.Permissions) > 0 {
		var err error
		perms, err = validation.ParsePermissions(req.Permissions)
		if err != nil {
			return err
		}
	}
	err := s.registry.Update(storeID, func(store *models.Store) error {
		if err := requirePerm(store, actor, models.PermAppointManagers); err != nil {
			return err
		}
		if _, ok := store.Owners[req.Manager]; ok {
			return apperr.Conflict(req.Manager, "user is already an owner of this store")
		}
		if _, ok := store.Managers[req.Manager]; ok {
			return apperr.Conflict(req.Manager, "user is already a manager of this store")
		}
		store.Managers[req.Manager] = perms
		store.AppointedBy[req.Manager] = actor
		return s.db.SaveStore(store)
	})
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"store_id": storeID, "manager": req.Manager, "actor": actor}).Info("manager appointed")
	return nil
}

// SetManagerPermissions changes a manager's grant. Only the member who
// appointed the manager can change it.
func (s *Service) SetManagerPermissions(ctx context.Context, actor string, storeID uuid.UUID, req models.ManagerRequest) error {
	perms, err := validation.ParsePermissions(req.Permissions)
	if err != nil {
		return err
	}
	return s.registry.Update(storeID, func(store *models.Store) error {
		if _, ok := store.Managers[req.Manager]; !ok {
			return apperr.NotFound(req.Manager, "not a manager of this store")
		}
		if store.AppointedBy[req.Manager] != actor {
			return apperr.Forbidden(actor, "only the appointing member can change %s", req.Manager)
		}
		store.Managers[req.Manager] = perms
		return s.db.SaveStore(store)
	})
}

// RemoveManager removes a manager. Only the member who appointed them can.
func (s *Service) RemoveManager(ctx context.Context, actor string, storeID uuid.UUID, manager string) error {
	return s.registry.Update(storeID, func(store *models.Store) error {
		if _, ok := store.Managers[manager]; !ok {
			return apperr.NotFound(manager, "not a manager of this store")
		}
		if store.AppointedBy[manager] != actor {
			return apperr.Forbidden(actor, "only the appointing member can remove %s", manager)
		}
		removeMemberCascade(store, manager)
		return s.db.SaveStore(store)
	})
}

// --- shopping ---

// SetCartLine sets the quantity of a product in the shopper's basket for a
// store. Quantity zero removes the line. Stock is not checked here; the
// checkout is where availability is decided.
func (s *Service) SetCartLine(ctx context.Context, actor string, storeID uuid.UUID, req models.CartLineRequest) error {
	if req.Quantity > 0 {
		err := s.registry.View(storeID, func(store *models.Store) error {
			if store.State != models.StoreOpen {
				return apperr.Conflict(storeID.String(), "store is closed")
			}
			if _, ok := store.Inventory[req.Product]; !ok {
				return apperr.NotFound(req.Product, "product not found in store")
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return s.registry.SetCartLine(actor, storeID, req.Product, req.Quantity)
}

// ViewCart returns the shopper's baskets.
func (s *Service) ViewCart(actor string) []models.Basket {
	return s.registry.CartSnapshot(actor)
}

// Checkout submits the whole cart. On success the receipts are persisted and
// the purchased baskets leave the cart.
func (s *Service) Checkout(ctx context.Context, actor string, info models.PaymentInfo) (*models.Receipt, error) {
	receipt, err := s.orch.Checkout(ctx, actor, info)
	if err != nil {
		return nil, err
	}
	for _, purchase := range receipt.Purchases {
		s.events.PublishPurchaseCompleted(ctx, purchase)
		s.invalidateStore(ctx, purchase.StoreID)
	}
	if s.cacheOn() {
		_ = s.cache.Delete(ctx, userHistoryKey(actor))
	}
	return receipt, nil
}

// --- history ---

// PurchaseHistory returns the shopper's own purchases, newest last.
func (s *Service) PurchaseHistory(ctx context.Context, actor string) ([]models.Purchase, error) {
	if s.cacheOn() {
		var cached []models.Purchase
		if err := cache.GetJSON(ctx, s.cache, userHistoryKey(actor), &cached); err == nil {
			return cached, nil
		}
	}
	purchases, err := s.db.PurchasesByUser(actor)
	if err != nil {
		return nil, err
	}
	if s.cacheOn() {
		if err := cache.SetJSON(ctx, s.cache, userHistoryKey(actor), purchases, s.cacheTTL); err != nil {
			s.log.WithError(err).Warn("cache purchase history")
		}
	}
	return purchases, nil
}

// StorePurchaseHistory returns a store's purchases. It is open to owners,
// managers holding the watch-history permission, and admins.
func (s *Service) StorePurchaseHistory(ctx context.Context, actor string, storeID uuid.UUID) ([]models.Purchase, error) {
	if !s.users.IsAdmin(actor) {
		err := s.registry.View(storeID, func(store *models.Store) error {
			return requirePerm(store, actor, models.PermWatchHistory)
		})
		if err != nil {
			return nil, err
		}
	}
	if s.cacheOn() {
		var cached []models.Purchase
		if err := cache.GetJSON(ctx, s.cache, storeHistoryKey(storeID), &cached); err == nil {
			return cached, nil
		}
	}
	purchases, err := s.db.PurchasesByStore(storeID)
	if err != nil {
		return nil, err
	}
	if s.cacheOn() {
		if err := cache.SetJSON(ctx, s.cache, storeHistoryKey(storeID), purchases, s.cacheTTL); err != nil {
			s.log.WithError(err).Warn("cache store history")
		}
	}
	return purchases, nil
}

// SystemPurchaseHistory returns every purchase across all stores. Admin only.
func (s *Service) SystemPurchaseHistory(ctx context.Context, actor string) ([]models.Purchase, error) {
	if !s.users.IsAdmin(actor) {
		return nil, apperr.Forbidden(actor, "admin access required")
	}
	return s.db.AllPurchases()
}

// --- browse ---

// StoreView is the public read model of a store.
type StoreView struct {
	ID        uuid.UUID         `json:"id"`
	Name      string            `json:"name"`
	State     string            `json:"state"`
	Products  []models.Product  `json:"products"`
	Discounts []models.Discount `json:"discounts"`
	Policies  []models.Policy   `json:"policies"`
}

// ViewStore returns the store's public read model.
func (s *Service) ViewStore(ctx context.Context, storeID uuid.UUID) (*StoreView, error) {
	if s.cacheOn() {
		var cached StoreView
		if err := cache.GetJSON(ctx, s.cache, storeViewKey(storeID), &cached); err == nil {
			return &cached, nil
		}
	}
	view := &StoreView{ID: storeID}
	err := s.registry.View(storeID, func(store *models.Store) error {
		view.Name = store.Name
		view.State = store.State.String()
		for _, p := range store.Inventory {
			view.Products = append(view.Products, *p)
		}
		for _, d := range store.Discounts {
			view.Discounts = append(view.Discounts, *d)
		}
		for _, p := range store.Policies {
			view.Policies = append(view.Policies, *p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(view.Products, func(i, j int) bool { return view.Products[i].Name < view.Products[j].Name })
	sort.Slice(view.Discounts, func(i, j int) bool {
		return strings.Compare(view.Discounts[i].ID.String(), view.Discounts[j].ID.String()) < 0
	})
	sort.Slice(view.Policies, func(i, j int) bool {
		return strings.Compare(view.Policies[i].ID.String(), view.Policies[j].ID.String()) < 0
	})
	if s.cacheOn() {
		if err := cache.SetJSON(ctx, s.cache, storeViewKey(storeID), view, s.cacheTTL); err != nil {
			s.log.WithError(err).Warn("cache store view")
		}
	}
	return view, nil
}

// ListStores returns the public read model of every store.
func (s *Service) ListStores(ctx context.Context) ([]StoreView, error) {
	ids := s.registry.StoreIDs()
	views := make([]StoreView, 0, len(ids))
	for _, id := range ids {
		view, err := s.ViewStore(ctx, id)
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}
	return views, nil
}

// Search scans open stores for matching products.
func (s *Service) Search(filter registry.SearchFilter) []models.Product {
	return s.registry.Search(filter)
}

// --- cache plumbing ---

func (s *Service) cacheOn() bool {
	return s.features.IsEnabled(features.FlagCacheEnabled)
}

func storeViewKey(storeID uuid.UUID) string    { return "store:" + storeID.String() }
func storeHistoryKey(storeID uuid.UUID) string { return "history:store:" + storeID.String() }
func userHistoryKey(userID string) string      { return "history:user:" + userID }

func (s *Service) invalidateStore(ctx context.Context, storeID uuid.UUID) {
	if !s.cacheOn() {
		return
	}
	_ = s.cache.Delete(ctx, storeViewKey(storeID))
	_ = s.cache.Delete(ctx, storeHistoryKey(storeID))
}
