package utils

import "testing"

func TestJwtRoundTripCarriesIdentityClaims(t *testing.T) {
	t.Setenv("TOKEN_HOUR_LIFESPAN", "1")

	token, err := JwtGenerate(42, "pat", "L", "church-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	validated, err := JwtValidate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !validated.Valid {
		t.Fatal("token not valid")
	}
	claims, ok := validated.Claims.(*JwtCustomClaim)
	if !ok {
		t.Fatalf("claims type = %T", validated.Claims)
	}
	if claims.ID != 42 || claims.Username != "pat" || claims.Role != "L" || claims.ChurchId != "church-1" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestJwtGenerateRequiresLifespan(t *testing.T) {
	t.Setenv("TOKEN_HOUR_LIFESPAN", "")

	if _, err := JwtGenerate(1, "pat", "M", "church-1"); err == nil {
		t.Fatal("expected error without TOKEN_HOUR_LIFESPAN")
	}
}

func TestJwtValidateRejectsGarbage(t *testing.T) {
	if _, err := JwtValidate("not.a.token"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestComparePassword(t *testing.T) {
	hashed, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := ComparePassword(string(hashed), "hunter2"); err != nil {
		t.Fatalf("matching password rejected: %v", err)
	}
	if err := ComparePassword(string(hashed), "hunter3"); err == nil {
		t.Fatal("wrong password accepted")
	}
}
