package repo

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"repairline/internal/domain"
)

const repairItemColumns = `id,health_check_id,parent_repair_item_id,name,description,is_group,labour,parts,subtotal,vat,total_inc_vat,
rag_status,outcome_status,selected_option_id,decision_source,decided_by,decided_at,decision_reason,decision_notes,sort_order,deleted_at,created_at,updated_at`

func scanRepairItem(s scanner) (domain.RepairItem, error) {
	var it domain.RepairItem
	var parent, desc, rag, selected, source, decidedBy, decidedAt, reason, notes, deleted sql.NullString
	var isGroup int
	err := s.Scan(&it.ID, &it.HealthCheckID, &parent, &it.Name, &desc, &isGroup,
		&it.Labour, &it.Parts, &it.Subtotal, &it.VAT, &it.TotalIncVAT,
		&rag, &it.OutcomeStatus, &selected, &source, &decidedBy, &decidedAt, &reason, &notes, &it.SortOrder, &deleted, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.ParentRepairItemID = strPtr(parent)
	it.Description = desc.String
	it.IsGroup = isGroup != 0
	it.RAGStatus = domain.Severity(rag.String)
	it.SelectedOptionID = strPtr(selected)
	if source.Valid {
		src := domain.Source(source.String)
		it.DecisionSource = &src
	}
	it.DecidedBy = strPtr(decidedBy)
	it.DecidedAt = strPtr(decidedAt)
	it.DecisionReason = strPtr(reason)
	it.DecisionNotes = strPtr(notes)
	it.DeletedAt = strPtr(deleted)
	return it, nil
}

func (r Repo) InsertRepairItem(ctx context.Context, tx *sql.Tx, it domain.RepairItem) error {
	outcome := it.OutcomeStatus
	if outcome == "" {
		outcome = domain.OutcomePending
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO repair_items(id,health_check_id,parent_repair_item_id,name,description,is_group,labour,parts,subtotal,vat,total_inc_vat,rag_status,outcome_status,sort_order,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.HealthCheckID, nullableStringPtr(it.ParentRepairItemID), it.Name, nullable(it.Description), boolInt(it.IsGroup),
		it.Labour, it.Parts, it.Subtotal, it.VAT, it.TotalIncVAT, nullable(string(it.RAGStatus)), outcome, it.SortOrder, it.CreatedAt, it.UpdatedAt)
	return err
}

// GetRepairItem loads one item row scoped to its health check, without options
// or links.
func (r Repo) GetRepairItem(ctx context.Context, tx *sql.Tx, healthCheckID, id string) (domain.RepairItem, error) {
	return scanRepairItem(r.q(tx).QueryRowContext(ctx, `SELECT `+repairItemColumns+` FROM repair_items WHERE id=? AND health_check_id=?`, id, healthCheckID))
}

// ListRepairItems returns every item row of a health check, deleted ones
// included.
func (r Repo) ListRepairItems(ctx context.Context, tx *sql.Tx, healthCheckID string) ([]domain.RepairItem, error) {
	return r.listItems(ctx, r.q(tx), healthCheckID)
}

// UpdateDecision overwrites the decision fields of one item.
func (r Repo) UpdateDecision(ctx context.Context, tx *sql.Tx, it domain.RepairItem) error {
	var source any
	if it.DecisionSource != nil {
		source = string(*it.DecisionSource)
	}
	return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE repair_items SET outcome_status=?, selected_option_id=?, decision_source=?, decided_by=?, decided_at=?,
decision_reason=?, decision_notes=?, updated_at=? WHERE id=?`,
		it.OutcomeStatus, nullableStringPtr(it.SelectedOptionID), source, nullableStringPtr(it.DecidedBy), nullableStringPtr(it.DecidedAt),
		nullableStringPtr(it.DecisionReason), nullableStringPtr(it.DecisionNotes), it.UpdatedAt, it.ID))
}

// SetParent re-parents an item; parentID nil detaches it.
func (r Repo) SetParent(ctx context.Context, tx *sql.Tx, id string, parentID *string, now string) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE repair_items SET parent_repair_item_id=?, updated_at=? WHERE id=?`,
		nullableStringPtr(parentID), now, id))
}

// SetItemMoney replaces the priced fields of an item.
func (r Repo) SetItemMoney(ctx context.Context, tx *sql.Tx, id string, m domain.Money, now string) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE repair_items SET labour=?, parts=?, subtotal=?, vat=?, total_inc_vat=?, updated_at=? WHERE id=?`,
		m.Labour, m.Parts, m.Subtotal, m.VAT, m.TotalIncVAT, now, id))
}

// ConvertToLeaf clears the group flag so the item stands alone.
func (r Repo) ConvertToLeaf(ctx context.Context, tx *sql.Tx, id, now string) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE repair_items SET is_group=0, updated_at=? WHERE id=?`, now, id))
}

// SoftDeleteItem marks an item deleted; already deleted items keep their
// original timestamp.
func (r Repo) SoftDeleteItem(ctx context.Context, tx *sql.Tx, id, now string) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE repair_items SET deleted_at=COALESCE(deleted_at,?), updated_at=? WHERE id=?`, now, now, id))
}

func scanOption(s scanner) (domain.RepairOption, error) {
	var o domain.RepairOption
	var recommended int
	err := s.Scan(&o.ID, &o.RepairItemID, &o.Name, &recommended, &o.SortOrder, &o.Labour, &o.Parts, &o.Subtotal, &o.VAT, &o.TotalIncVAT, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	o.Recommended = recommended != 0
	return o, err
}

func (r Repo) InsertRepairOption(ctx context.Context, tx *sql.Tx, o domain.RepairOption) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO repair_options(id,repair_item_id,name,recommended,sort_order,labour,parts,subtotal,vat,total_inc_vat,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.RepairItemID, o.Name, boolInt(o.Recommended), o.SortOrder, o.Labour, o.Parts, o.Subtotal, o.VAT, o.TotalIncVAT, o.CreatedAt)
	return err
}

// UpdateOptionMoney replaces the priced fields of an option.
func (r Repo) UpdateOptionMoney(ctx context.Context, tx *sql.Tx, id string, m domain.Money) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `UPDATE repair_options SET labour=?, parts=?, subtotal=?, vat=?, total_inc_vat=? WHERE id=?`,
		m.Labour, m.Parts, m.Subtotal, m.VAT, m.TotalIncVAT, id))
}

// DeleteRepairOption removes an option together with its pricing lines.
func (r Repo) DeleteRepairOption(ctx context.Context, tx *sql.Tx, id string) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `DELETE FROM repair_options WHERE id=?`, id))
}

func (r Repo) InsertPricingLine(ctx context.Context, tx *sql.Tx, l domain.PricingLine) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO repair_option_lines(id,repair_option_id,source_item_id,labour,parts,subtotal,vat,total_inc_vat,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		l.ID, l.RepairOptionID, l.SourceItemID, l.Labour, l.Parts, l.Subtotal, l.VAT, l.TotalIncVAT, l.CreatedAt)
	return err
}

// DeletePricingLine removes one pricing line.
func (r Repo) DeletePricingLine(ctx context.Context, tx *sql.Tx, id string) error {
	return affectedOrNotFound(tx.ExecContext(ctx, `DELETE FROM repair_option_lines WHERE id=?`, id))
}

func (r Repo) listPricingLines(ctx context.Context, q DBTX, healthCheckID string) ([]domain.PricingLine, error) {
	rows, err := q.QueryContext(ctx, `SELECT l.id,l.repair_option_id,l.source_item_id,l.labour,l.parts,l.subtotal,l.vat,l.total_inc_vat,l.created_at
FROM repair_option_lines l JOIN repair_options o ON o.id=l.repair_option_id JOIN repair_items i ON i.id=o.repair_item_id
WHERE i.health_check_id=? ORDER BY l.created_at, l.id`, healthCheckID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PricingLine
	for rows.Next() {
		var l domain.PricingLine
		if err := rows.Scan(&l.ID, &l.RepairOptionID, &l.SourceItemID, &l.Labour, &l.Parts, &l.Subtotal, &l.VAT, &l.TotalIncVAT, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) listOptions(ctx context.Context, q DBTX, healthCheckID string) ([]domain.RepairOption, error) {
	rows, err := q.QueryContext(ctx, `SELECT o.id,o.repair_item_id,o.name,o.recommended,o.sort_order,o.labour,o.parts,o.subtotal,o.vat,o.total_inc_vat,o.created_at
FROM repair_options o JOIN repair_items i ON i.id=o.repair_item_id WHERE i.health_check_id=? ORDER BY o.sort_order, o.created_at, o.id`, healthCheckID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RepairOption
	for rows.Next() {
		o, err := scanOption(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) InsertCheckResult(ctx context.Context, tx *sql.Tx, cr domain.CheckResult) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO check_results(id,health_check_id,name,rag_status,notes,created_at) VALUES (?,?,?,?,?,?)`,
		cr.ID, cr.HealthCheckID, cr.Name, nullable(string(cr.RAGStatus)), nullable(cr.Notes), cr.CreatedAt)
	return err
}

func (r Repo) listResults(ctx context.Context, q DBTX, healthCheckID string) ([]domain.CheckResult, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,health_check_id,name,rag_status,notes,created_at FROM check_results WHERE health_check_id=? ORDER BY created_at, id`, healthCheckID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CheckResult
	for rows.Next() {
		var cr domain.CheckResult
		var rag, notes sql.NullString
		if err := rows.Scan(&cr.ID, &cr.HealthCheckID, &cr.Name, &rag, &notes, &cr.CreatedAt); err != nil {
			return nil, err
		}
		cr.RAGStatus = domain.Severity(rag.String)
		cr.Notes = notes.String
		res = append(res, cr)
	}
	return res, rows.Err()
}

// LinkResult attaches a finding to an item; relinking is a no-op.
func (r Repo) LinkResult(ctx context.Context, tx *sql.Tx, itemID, resultID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO repair_item_results(repair_item_id,check_result_id) VALUES (?,?)`, itemID, resultID)
	return err
}

// DeleteResultLinks removes every finding link of an item.
func (r Repo) DeleteResultLinks(ctx context.Context, tx *sql.Tx, itemID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM repair_item_results WHERE repair_item_id=?`, itemID)
	return err
}

func (r Repo) listLinks(ctx context.Context, q DBTX, healthCheckID string) (map[string][]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT l.repair_item_id,l.check_result_id FROM repair_item_results l
JOIN repair_items i ON i.id=l.repair_item_id WHERE i.health_check_id=? ORDER BY l.repair_item_id, l.check_result_id`, healthCheckID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]string{}
	for rows.Next() {
		var itemID, resultID string
		if err := rows.Scan(&itemID, &resultID); err != nil {
			return nil, err
		}
		res[itemID] = append(res[itemID], resultID)
	}
	return res, rows.Err()
}

// LoadAggregate reads a health check owned by orgID with all of its items,
// options and findings, normalized into a one-level tree.
func (r Repo) LoadAggregate(ctx context.Context, tx *sql.Tx, healthCheckID, orgID string) (domain.Aggregate, error) {
	hc, err := r.GetHealthCheck(ctx, tx, healthCheckID, orgID)
	if err != nil {
		return domain.Aggregate{}, err
	}
	return r.loadTree(ctx, r.q(tx), hc)
}

// LoadAggregateByToken is LoadAggregate for a portal access token.
func (r Repo) LoadAggregateByToken(ctx context.Context, tx *sql.Tx, token string) (domain.Aggregate, error) {
	hc, err := r.GetHealthCheckByToken(ctx, tx, token)
	if err != nil {
		return domain.Aggregate{}, err
	}
	return r.loadTree(ctx, r.q(tx), hc)
}

func (r Repo) loadTree(ctx context.Context, q DBTX, hc domain.HealthCheck) (domain.Aggregate, error) {
	agg := domain.Aggregate{HealthCheck: hc}
	rows, err := r.listItems(ctx, q, hc.ID)
	if err != nil {
		return agg, fmt.Errorf("load repair items: %w", err)
	}
	options, err := r.listOptions(ctx, q, hc.ID)
	if err != nil {
		return agg, fmt.Errorf("load repair options: %w", err)
	}
	lines, err := r.listPricingLines(ctx, q, hc.ID)
	if err != nil {
		return agg, fmt.Errorf("load pricing lines: %w", err)
	}
	byOption := map[string][]domain.PricingLine{}
	for _, l := range lines {
		byOption[l.RepairOptionID] = append(byOption[l.RepairOptionID], l)
	}
	for i := range options {
		options[i].Lines = byOption[options[i].ID]
	}
	results, err := r.listResults(ctx, q, hc.ID)
	if err != nil {
		return agg, fmt.Errorf("load check results: %w", err)
	}
	links, err := r.listLinks(ctx, q, hc.ID)
	if err != nil {
		return agg, fmt.Errorf("load result links: %w", err)
	}
	agg.Results = results
	agg.Items = BuildTree(rows, options, results, links)
	return agg, nil
}

func (r Repo) listItems(ctx context.Context, q DBTX, healthCheckID string) ([]domain.RepairItem, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+repairItemColumns+` FROM repair_items WHERE health_check_id=? ORDER BY sort_order, created_at, id`, healthCheckID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RepairItem
	for rows.Next() {
		it, err := scanRepairItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// BuildTree attaches options and linked findings to their items and nests
// children under their group. Only one level is kept: an item whose parent is
// itself a child is dropped, and an item whose parent is missing or is not a
// group is promoted to the top level.
func BuildTree(items []domain.RepairItem, options []domain.RepairOption, results []domain.CheckResult, links map[string][]string) []domain.RepairItem {
	byResult := make(map[string]domain.CheckResult, len(results))
	for _, cr := range results {
		byResult[cr.ID] = cr
	}
	byItemOptions := map[string][]domain.RepairOption{}
	for _, o := range options {
		byItemOptions[o.RepairItemID] = append(byItemOptions[o.RepairItemID], o)
	}
	byID := make(map[string]domain.RepairItem, len(items))
	for _, it := range items {
		it.Options = byItemOptions[it.ID]
		for _, rid := range links[it.ID] {
			if cr, ok := byResult[rid]; ok {
				it.Results = append(it.Results, cr)
			}
		}
		byID[it.ID] = it
	}

	isTop := func(it domain.RepairItem) bool {
		if it.ParentRepairItemID == nil {
			return true
		}
		p, ok := byID[*it.ParentRepairItemID]
		return !ok || !p.IsGroup
	}
	children := map[string][]domain.RepairItem{}
	var top []domain.RepairItem
	for _, it := range items {
		it = byID[it.ID]
		if isTop(it) {
			it.ParentRepairItemID = nil
			top = append(top, it)
			continue
		}
		parent := byID[*it.ParentRepairItemID]
		if !isTop(parent) {
			continue
		}
		children[parent.ID] = append(children[parent.ID], it)
	}
	for i := range top {
		if top[i].IsGroup {
			top[i].Children = children[top[i].ID]
		}
	}
	sort.SliceStable(top, func(i, j int) bool { return top[i].SortOrder < top[j].SortOrder })
	return top
}
