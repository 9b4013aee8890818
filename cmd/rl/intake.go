package main

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"repairline/internal/domain"
	"repairline/internal/engine"
	repairlinesdk "repairline/sdk/go"
)

// readIntake loads an intake document (YAML or JSON) from path.
func readIntake(path string) (repairlinesdk.Intake, error) {
	var doc repairlinesdk.Intake
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse intake %s: %w", path, err)
	}
	return doc, nil
}

func amount(field, v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, engine.ValidationError{Field: field, Message: fmt.Sprintf("invalid amount %q", v)}
	}
	return d, nil
}

func toMoney(path string, m repairlinesdk.Money) (domain.Money, error) {
	var out domain.Money
	var err error
	if out.Labour, err = amount(path+".labour", m.Labour); err != nil {
		return out, err
	}
	if out.Parts, err = amount(path+".parts", m.Parts); err != nil {
		return out, err
	}
	if out.Subtotal, err = amount(path+".subtotal", m.Subtotal); err != nil {
		return out, err
	}
	if out.VAT, err = amount(path+".vat", m.VAT); err != nil {
		return out, err
	}
	out.TotalIncVAT, err = amount(path+".total_inc_vat", m.TotalIncVAT)
	return out, err
}

func toIntakeItem(path string, it repairlinesdk.IntakeItem) (engine.IntakeItem, error) {
	m, err := toMoney(path+".money", it.Money)
	if err != nil {
		return engine.IntakeItem{}, err
	}
	out := engine.IntakeItem{
		ID:          it.ID,
		Name:        it.Name,
		Description: it.Description,
		RAGStatus:   domain.Severity(it.RAGStatus),
		Group:       it.Group,
		Money:       m,
		Results:     it.Results,
	}
	for i, o := range it.Options {
		om, err := toMoney(fmt.Sprintf("%s.options[%d].money", path, i), o.Money)
		if err != nil {
			return engine.IntakeItem{}, err
		}
		out.Options = append(out.Options, engine.IntakeOption{ID: o.ID, Name: o.Name, Recommended: o.Recommended, Money: om})
	}
	for i, c := range it.Children {
		child, err := toIntakeItem(fmt.Sprintf("%s.children[%d]", path, i), c)
		if err != nil {
			return engine.IntakeItem{}, err
		}
		out.Children = append(out.Children, child)
	}
	return out, nil
}

// toIntakeRequest converts an intake document for organization orgID.
func toIntakeRequest(doc repairlinesdk.Intake, orgID string) (engine.IntakeRequest, error) {
	req := engine.IntakeRequest{ID: doc.ID, OrganizationID: orgID, SiteID: doc.SiteID, VehicleReg: doc.VehicleReg}
	for _, r := range doc.Results {
		req.Results = append(req.Results, engine.IntakeResult{ID: r.ID, Name: r.Name, RAGStatus: domain.Severity(r.RAGStatus), Notes: r.Notes})
	}
	for i, it := range doc.Items {
		item, err := toIntakeItem(fmt.Sprintf("items[%d]", i), it)
		if err != nil {
			return engine.IntakeRequest{}, err
		}
		req.Items = append(req.Items, item)
	}
	return req, nil
}
