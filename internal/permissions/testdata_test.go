package permissions

const sampleRules = `rules_version = '2';
// Healthcare EMR rules
service cloud.firestore {
  match /databases/{database}/documents {

    function isSignedIn() {
      return request.auth != null;
    }

    function userRole() {
      return get(/databases/$(database)/documents/users/$(request.auth.uid)).data.role;
    }

    function hasRole(role) {
      return isSignedIn() && userRole() == role;
    }

    function hasAnyRole(roles) {
      let r = userRole();
      return isSignedIn() && r in roles;
    }

    function isStaff() {
      return hasAnyRole(['admin', 'doctor', 'nurse']);
    }

    /* Patients are visible to staff; only admins delete. */
    match /patients/{patientId} {
      allow read: if isStaff() || request.auth.uid == patientId;
      allow create, update: if hasRole('admin') || hasRole('receptionist');
      allow delete: if hasRole('admin');

      match /records/{recordId} {
        allow read, write: if hasAnyRole(['doctor', 'nurse']);
      }
    }

    match /billing/{invoiceId} {
      allow get: if userRole() in ['admin', 'billing'];
      allow list: if request.auth.token.role == 'billing';
      allow write: if request.auth.token.billing == true;
    }

    match /auditLogs/{id} {
      allow read: if request.auth.token.roles.hasAny(['auditor']);
      allow write: if false;
    }

    match /announcements/{id} {
      allow read;
      allow write: if isAdmin();
    }
  }
}
`
