package rules

// defaultRulesYAML is the built-in rule set used when no rules file is
// configured. Vendor-qualified hotel rules outrank the generic keyword rules:
// a "marketing fee" on a Marriott folio is lodging, not professional
// services, because the vendor-qualified rule wins.
var defaultRulesYAML = []byte(`
rules:
  - id: hotel-restaurant-charge
    priority: 110
    vendors: ["*marriott*", "*hilton*", "*fairmont*", "*westin*", "*hotel*", "*inn*", "*lodge*"]
    keywords: ["restaurant", "in-room dining", "room service"]
    category: Travel-Meals
    deductibility_percent: 50
    account_hint: "Travel Meals"
    confidence_boost: 0.25

  - id: hotel-lodging
    priority: 100
    vendors: ["*marriott*", "*hilton*", "*fairmont*", "*westin*", "*hotel*", "*inn*", "*lodge*"]
    keywords: ["room charge", "room rate", "accommodation", "marketing fee", "resort fee", "destination fee"]
    category: Travel-Lodging
    deductibility_percent: 100
    account_hint: "Travel"
    confidence_boost: 0.25

  - id: tourism-levy
    priority: 90
    keywords: ["tourism levy", "tourism fee", "hotel tax", "destination marketing fee", "mrdt"]
    category: Travel-Taxes
    deductibility_percent: 100
    account_hint: "Travel"
    confidence_boost: 0.2

  - id: gst-hst
    priority: 95
    keywords: ["gst", "hst", "goods and services tax", "harmonized sales tax"]
    category: Tax-GST/HST
    deductibility_percent: 100
    account_hint: "GST/HST Paid"
    confidence_boost: 0.3

  - id: meals
    priority: 70
    keywords: ["restaurant", "meal", "lunch", "dinner", "breakfast", "coffee", "catering"]
    category: "Meals & Entertainment"
    deductibility_percent: 50
    account_hint: "Meals and Entertainment"
    confidence_boost: 0.15

  - id: marketing-services
    priority: 70
    keywords: ["marketing fee", "advertising", "promotion"]
    category: Professional-Services
    deductibility_percent: 100
    account_hint: "Advertising"
    confidence_boost: 0.1

  - id: professional-services
    priority: 70
    keywords: ["legal", "accounting", "consulting", "bookkeeping", "professional fees"]
    category: Professional-Services
    deductibility_percent: 100
    account_hint: "Professional Fees"
    confidence_boost: 0.15

  - id: office-supplies
    priority: 60
    keywords: ["paper", "toner", "stapler", "printer ink", "office supplies", "stationery", "pens"]
    category: Office-Supplies
    deductibility_percent: 100
    account_hint: "Office Supplies"
    confidence_boost: 0.15

  - id: fuel
    priority: 60
    keywords: ["fuel", "gasoline", "diesel", "petrol", "gas station"]
    category: Fuel-Vehicle
    deductibility_percent: 100
    account_hint: "Vehicle Fuel"
    confidence_boost: 0.15

  - id: capital-equipment
    priority: 50
    keywords: ["laptop", "computer", "monitor", "equipment", "machinery"]
    amount_min: 500
    category: Capital-Equipment
    deductibility_percent: 100
    account_hint: "Capital Assets"
    confidence_boost: 0.1
`)
