package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping DB: %v", err)
	}

	seedStaff(db)
	itemIDs := seedInventory(db)
	seedServices(db, itemIDs)
	seedCustomers(db)

	log.Println("Seeding completed successfully!")
}

func seedStaff(db *sql.DB) {
	staff := []struct {
		Name string
		Role string
	}{
		{"Meera Nair", "senior"},
		{"Arjun Menon", "stylist"},
		{"Kavya Pillai", "stylist"},
		{"Rahul Varma", "junior"},
		{"Divya Krishnan", "junior"},
	}

	fmt.Println("Seeding Staff...")
	for _, s := range staff {
		_, err := db.Exec(`
			INSERT INTO staff (name, role)
			SELECT $1, $2
			WHERE NOT EXISTS (SELECT 1 FROM staff WHERE name = $1);
		`, s.Name, s.Role)
		if err != nil {
			log.Printf("Failed to seed staff %s: %v", s.Name, err)
		}
	}
}

func seedInventory(db *sql.DB) map[string]string {
	items := []struct {
		Name         string
		Quantity     int64
		AvgUnitCost  int64
		Sellable     bool
		SellingPrice int64
	}{
		{"Hair Color Tube 60ml", 40, 22000, false, 0},
		{"Shampoo Sachet 10ml", 200, 800, false, 0},
		{"Keratin Serum 100ml", 15, 65000, true, 99900},
		{"Argan Oil Bottle 50ml", 25, 40000, true, 64900},
		{"Disposable Towel Pack", 120, 1500, false, 0},
	}

	fmt.Println("Seeding Inventory...")
	ids := make(map[string]string)
	for _, it := range items {
		var id string
		err := db.QueryRow(`
			INSERT INTO inventory_items (name, quantity, avg_unit_cost, sellable, selling_price)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id;
		`, it.Name, it.Quantity, it.AvgUnitCost, it.Sellable, it.SellingPrice).Scan(&id)
		if err != nil {
			log.Printf("Failed to seed inventory item %s: %v", it.Name, err)
			continue
		}
		ids[it.Name] = id
	}
	return ids
}

func seedServices(db *sql.DB, itemIDs map[string]string) {
	services := []struct {
		Name      string
		Price     int64
		Duration  int32
		Materials map[string]int64
	}{
		{"Haircut", 50000, 30, nil},
		{"Beard Trim", 25000, 15, nil},
		{"Hair Color (Global)", 250000, 90, map[string]int64{"Hair Color Tube 60ml": 2, "Shampoo Sachet 10ml": 1}},
		{"Keratin Treatment", 450000, 120, map[string]int64{"Keratin Serum 100ml": 1, "Disposable Towel Pack": 2}},
		{"Head Massage", 80000, 30, map[string]int64{"Argan Oil Bottle 50ml": 1}},
		{"Bridal Package", 1500000, 240, map[string]int64{"Hair Color Tube 60ml": 1, "Disposable Towel Pack": 4}},
	}

	fmt.Println("Seeding Services...")
	for _, s := range services {
		var id string
		err := db.QueryRow(`
			INSERT INTO services (name, price, duration_minutes)
			VALUES ($1, $2, $3)
			RETURNING id;
		`, s.Name, s.Price, s.Duration).Scan(&id)
		if err != nil {
			log.Printf("Failed to seed service %s: %v", s.Name, err)
			continue
		}
		for itemName, qty := range s.Materials {
			itemID, ok := itemIDs[itemName]
			if !ok {
				log.Printf("Missing inventory item %q for service %s", itemName, s.Name)
				continue
			}
			_, err := db.Exec(`
				INSERT INTO service_materials (service_id, inventory_item_id, quantity)
				VALUES ($1, $2, $3)
				ON CONFLICT (service_id, inventory_item_id) DO UPDATE SET quantity = EXCLUDED.quantity;
			`, id, itemID, qty)
			if err != nil {
				log.Printf("Failed to seed materials for %s: %v", s.Name, err)
			}
		}
	}
}

func seedCustomers(db *sql.DB) {
	customers := []struct {
		Name  string
		Phone string
		Email string
	}{
		{"Anand Kumar", "+919800000001", "anand@example.com"},
		{"Lakshmi Devi", "+919800000002", "lakshmi@example.com"},
		{"Suresh Babu", "+919800000003", ""},
		{"Priya Raman", "+919800000004", "priya@example.com"},
		{"Vignesh Iyer", "+919800000005", ""},
	}

	fmt.Println("Seeding Customers...")
	for _, c := range customers {
		_, err := db.Exec(`
			INSERT INTO customers (name, phone, email)
			SELECT $1, $2, NULLIF($3, '')
			WHERE NOT EXISTS (SELECT 1 FROM customers WHERE phone = $2);
		`, c.Name, c.Phone, c.Email)
		if err != nil {
			log.Printf("Failed to seed customer %s: %v", c.Name, err)
		}
	}
}
