package graph

import (
	"strings"
	"testing"
	"time"
)

var eightKText = `UNITED STATES SECURITIES AND EXCHANGE COMMISSION

FORM 8-K CURRENT REPORT

Item 5.02 Departure of Directors or Certain Officers; Election of Directors

On June 3, 2024, the Board of Directors appointed Jane Smith as Chief Financial Officer.

Item 9.01 Financial Statements and Exhibits

(d) Exhibits.
`

func TestRouteEvents(t *testing.T) {
	filed := time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC)
	events := RouteEvents("0000320193-24-000001", 7, filed, eightKText)

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (9.01 is boilerplate): %+v", len(events), events)
	}
	ev := events[0]
	if ev.Type != EventExecutiveChange {
		t.Errorf("type = %s, want %s", ev.Type, EventExecutiveChange)
	}
	if ev.ItemCode != "5.02" {
		t.Errorf("item code = %q, want 5.02", ev.ItemCode)
	}
	if ev.EntityID != 7 || !ev.OccurredAt.Equal(filed) {
		t.Errorf("entity/time = %d/%s", ev.EntityID, ev.OccurredAt)
	}
	if ev.EventID == "" {
		t.Error("event id not assigned")
	}
	if ev.Evidence.SectionKey != "ITEM_5_02" {
		t.Errorf("evidence section = %q", ev.Evidence.SectionKey)
	}
	span := eightKText[ev.Evidence.CharStart:ev.Evidence.CharEnd]
	if !strings.Contains(span, "Item 5.02") {
		t.Errorf("evidence span %q does not cover the heading", span)
	}
}

func TestRouteEventsMultipleItems(t *testing.T) {
	text := `Item 2.02 Results of Operations and Financial Condition

The registrant issued a press release announcing results.

Item 8.01 Other Events

The registrant also announced a dividend.
`
	events := RouteEvents("acc-1", 3, time.Now(), text)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Type != EventResults || events[1].Type != EventOther {
		t.Errorf("types = %s, %s", events[0].Type, events[1].Type)
	}
}

// A heading repeated in a table of contents and the body yields one
// event.
func TestRouteEventsDeduplicates(t *testing.T) {
	text := `Item 1.01 Entry into a Material Definitive Agreement
Item 1.01 Entry into a Material Definitive Agreement

Details of the agreement follow.
`
	events := RouteEvents("acc-2", 3, time.Now(), text)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(events), events)
	}
	if events[0].Type != EventMaterialAgreement {
		t.Errorf("type = %s", events[0].Type)
	}
}

// Annual-report item headings never carry two decimals, so a 10-K
// passed in by mistake routes nothing.
func TestRouteEventsIgnoresAnnualItems(t *testing.T) {
	text := `Item 1. Business

Item 7. Management's Discussion and Analysis
`
	if events := RouteEvents("acc-3", 3, time.Now(), text); len(events) != 0 {
		t.Fatalf("got %d events, want 0: %+v", len(events), events)
	}
}
