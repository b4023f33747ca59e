package cache

import "testing"

func TestClassifyDomainFinance(t *testing.T) {
	if got := ClassifyDomain("What is happening in the stock market and interest rates?"); got != "finance" {
		t.Errorf("got %q, want finance", got)
	}
}

func TestClassifyDomainLegal(t *testing.T) {
	if got := ClassifyDomain("Can you review this contract clause for liability?"); got != "legal" {
		t.Errorf("got %q, want legal", got)
	}
}

func TestClassifyDomainTech(t *testing.T) {
	if got := ClassifyDomain("How do I call this API from Python using a vector embedding?"); got != "tech" {
		t.Errorf("got %q, want tech", got)
	}
}

func TestClassifyDomainGeography(t *testing.T) {
	if got := ClassifyDomain("What is the capital city of that country?"); got != "geography" {
		t.Errorf("got %q, want geography", got)
	}
}

func TestClassifyDomainNoKeywordsDefaultsGeneral(t *testing.T) {
	if got := ClassifyDomain("Tell me a joke about cats."); got != "general" {
		t.Errorf("got %q, want general", got)
	}
}

func TestClassifyDomainTieDefaultsGeneral(t *testing.T) {
	// "capital" (geography) vs "api" (tech): one hit each, so the tie
	// yields "general" rather than either domain.
	if got := ClassifyDomain("the capital letters in this api are important"); got != "general" {
		t.Errorf("got %q, want general (tie)", got)
	}
}

func TestClassifyDomainIsCaseInsensitive(t *testing.T) {
	if got := ClassifyDomain("STOCK MARKET INFLATION"); got != "finance" {
		t.Errorf("got %q, want finance", got)
	}
}
